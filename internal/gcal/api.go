// Package gcal is a calendar source backed by the Google Calendar API.
package gcal

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"calalert/internal/secrets"
)

// API is the subset of the Google Calendar API the source needs. Tests
// replace it with a mock.
type API interface {
	Configure(ctx context.Context, creds secrets.Google) error
	ListCalendars(ctx context.Context, pageToken string) (*calendar.CalendarList, error)
	ListEvents(ctx context.Context, calendarID, timeMin, timeMax, pageToken string) (*calendar.Events, error)
}

// LowLevelAPI talks to the real service.
type LowLevelAPI struct {
	service *calendar.Service
}

// Configure builds a calendar service authenticated with an installed-app
// refresh token. Access tokens are refreshed by the oauth2 transport.
func (lowLevelAPI *LowLevelAPI) Configure(ctx context.Context, creds secrets.Google) error {
	if creds.RefreshToken == "" {
		return errors.New("missing refresh token")
	}
	conf := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{calendar.CalendarReadonlyScope},
	}
	client := conf.Client(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return err
	}
	lowLevelAPI.service = service
	return nil
}

func (lowLevelAPI *LowLevelAPI) ListCalendars(ctx context.Context, pageToken string) (*calendar.CalendarList, error) {
	call := lowLevelAPI.service.CalendarList.List().Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (lowLevelAPI *LowLevelAPI) ListEvents(ctx context.Context, calendarID, timeMin, timeMax, pageToken string) (*calendar.Events, error) {
	call := lowLevelAPI.service.Events.List(calendarID).
		Context(ctx).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(timeMin).
		TimeMax(timeMax)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

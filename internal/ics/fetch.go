package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	appLog "calalert/internal/log"
)

// Subscription is one ICS feed the user subscribed to.
type Subscription struct {
	// ID matches the config entry and the secrets key for private URLs.
	ID   string
	Name string
	URL  string
}

// FetchResult is the body of one subscription, fresh or from the cache.
type FetchResult struct {
	Subscription Subscription
	Body         []byte
	FromCache    bool
}

type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads ICS feeds honoring ETag / Last-Modified. The last good
// body is kept on disk and served only on 304 Not Modified.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

const (
	defaultCacheDir = "./var/ics-cache"
	fetchTimeout    = 15 * time.Second
	maxBodyBytes    = 16 << 20
	userAgent       = "calalert/1 (+ics)"
)

// NewFetcher creates a Fetcher caching under cacheDir. A nil client gets a
// default one with a 15s timeout.
func NewFetcher(cacheDir string, client *http.Client) *Fetcher {
	if cacheDir == "" {
		cacheDir = defaultCacheDir
	}
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Fetcher{client: client, cacheDir: cacheDir}
}

// FetchAll fetches every subscription. Results hold the feeds that produced
// a body; the error aggregates the ones that did not.
func (f *Fetcher) FetchAll(ctx context.Context, subs []Subscription) ([]FetchResult, error) {
	results := make([]FetchResult, 0, len(subs))
	var errs *multierror.Error

	for _, sub := range subs {
		res, err := f.FetchOne(ctx, sub)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", sub.ID, err))
			continue
		}
		results = append(results, res)
	}

	return results, errs.ErrorOrNil()
}

// FetchOne fetches a single subscription. The cached body is returned only
// for 304 Not Modified; network errors and non-OK answers are errors.
func (f *Fetcher) FetchOne(ctx context.Context, sub Subscription) (FetchResult, error) {
	if sub.URL == "" {
		return FetchResult{}, errors.New("subscription URL is empty")
	}

	cachePath := f.cachePathForURL(sub.URL)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, fmt.Errorf("create cache dir: %w", err)
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)
	if meta.URL != sub.URL {
		// Metadata from a hash collision or an older layout is not trusted.
		meta = cacheEntry{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sub.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	kv := []any{"id", sub.ID, "url", redactURL(sub.URL)}
	appLog.Debug("ics fetch start", kv...)

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
		if err != nil {
			return FetchResult{}, fmt.Errorf("read body: %w", err)
		}
		if len(body) > maxBodyBytes {
			return FetchResult{}, fmt.Errorf("feed larger than %d bytes", maxBodyBytes)
		}

		newMeta := cacheEntry{
			URL:          sub.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			appLog.Error("ics cache save failed", err, kv...)
		}

		appLog.Debug("ics fetch success", append(kv, "bytes", len(body))...)
		return FetchResult{Subscription: sub, Body: body}, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, errors.New("304 Not Modified but no cached body available")
		}
		appLog.Debug("ics feed not modified; using cache", kv...)
		return FetchResult{Subscription: sub, Body: cachedBody, FromCache: true}, nil

	default:
		return FetchResult{}, fmt.Errorf("unexpected status %s", resp.Status)
	}
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps only scheme and host; private feed URLs embed secrets in
// the path or query.
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "ics://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + "/...(redacted)"
}

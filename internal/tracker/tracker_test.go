package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calalert/internal/metrics"
	"calalert/internal/model"
)

var base = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeSource struct {
	mu         sync.Mutex
	events     []model.Event
	err        error
	calls      int
	reconnects int
	lastStart  time.Time
	lastEnd    time.Time
}

func (s *fakeSource) FetchEvents(_ context.Context, startDate, endDate time.Time) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastStart, s.lastEnd = startDate, endDate
	if s.err != nil {
		return nil, s.err
	}
	return append([]model.Event(nil), s.events...), nil
}

func (s *fakeSource) Reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
}

func (s *fakeSource) set(events []model.Event, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events, s.err = events, err
}

type shown struct {
	title, body, icon string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []shown
	err   error
}

func (n *fakeNotifier) Show(_ context.Context, title, body, icon string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, shown{title, body, icon})
	return n.err
}

func (n *fakeNotifier) count(title string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.calls {
		if s.title == title {
			c++
		}
	}
	return c
}

func event(title string, start time.Time, lead int) model.Event {
	return model.Event{Title: title, Start: start, End: start.Add(30 * time.Minute), LeadMinutes: lead}
}

func newTestTracker(t *testing.T, src CalendarSource, n Notifier, clock *fakeClock) *Tracker {
	t.Helper()
	return New(Config{
		LookaheadDays: 1,
		QuerySchedule: cron.Every(5 * time.Minute),
		LoginRetry:    10 * time.Minute,
		AlarmInterval: 30 * time.Second,
		Icon:          "appointment-soon",
		Location:      time.UTC,
	}, src, n, WithClock(clock.Now), WithMetrics(metrics.New()))
}

func TestStandupScenario(t *testing.T) {
	clock := &fakeClock{now: base}
	start := base.Add(time.Hour)
	standup := event("Standup", start, 10)
	src := &fakeSource{events: []model.Event{standup}}
	n := &fakeNotifier{}
	tr := newTestTracker(t, src, n, clock)

	tr.FetchOnce(context.Background())

	clock.Set(start.Add(-15 * time.Minute))
	tr.AlarmOnce(context.Background())
	pending, alarmed := tr.Store().Lookup(standup)
	assert.True(t, pending)
	assert.False(t, alarmed)
	assert.Equal(t, 0, n.count("Standup"))

	clock.Set(start.Add(-9 * time.Minute))
	tr.AlarmOnce(context.Background())
	pending, alarmed = tr.Store().Lookup(standup)
	assert.True(t, pending)
	assert.True(t, alarmed)
	assert.Equal(t, 1, n.count("Standup"))

	clock.Set(start.Add(time.Minute))
	res := tr.AlarmOnce(context.Background())
	pending, alarmed = tr.Store().Lookup(standup)
	assert.False(t, pending)
	assert.False(t, alarmed)
	assert.Len(t, res.Evicted, 1)
	assert.Equal(t, 1, n.count("Standup"))
}

func TestAlarmIsIdempotent(t *testing.T) {
	clock := &fakeClock{now: base}
	start := base.Add(time.Hour)
	ev := event("Review", start, 30)
	src := &fakeSource{events: []model.Event{ev}}
	n := &fakeNotifier{}
	tr := newTestTracker(t, src, n, clock)

	tr.FetchOnce(context.Background())
	for i := 0; i < 20; i++ {
		clock.Set(start.Add(-30*time.Minute + time.Duration(i)*time.Minute))
		tr.AlarmOnce(context.Background())
		// A refetch of the unchanged event must not re-arm it.
		tr.FetchOnce(context.Background())
	}
	assert.Equal(t, 1, n.count("Review"))
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.Metrics().AlarmsFired))
}

func TestAlarmTiming(t *testing.T) {
	clock := &fakeClock{now: base}
	start := base.Add(time.Hour)
	ev := event("Sync", start, 5)
	src := &fakeSource{events: []model.Event{ev}}
	n := &fakeNotifier{}
	tr := newTestTracker(t, src, n, clock)
	tr.FetchOnce(context.Background())

	alarmAt := time.Unix(ev.AlarmUnix(), 0)

	clock.Set(alarmAt.Add(-time.Second))
	tr.AlarmOnce(context.Background())
	assert.Equal(t, 0, n.count("Sync"))

	clock.Set(alarmAt)
	tr.AlarmOnce(context.Background())
	assert.Equal(t, 1, n.count("Sync"))
}

func TestReconcileReplaceSemantics(t *testing.T) {
	clock := &fakeClock{now: base}
	a := event("a", base.Add(1*time.Hour), 10)
	b := event("b", base.Add(2*time.Hour), 10)
	c := event("c", base.Add(3*time.Hour), 10)
	src := &fakeSource{events: []model.Event{a, b}}
	tr := newTestTracker(t, src, &fakeNotifier{}, clock)

	tr.FetchOnce(context.Background())
	src.set([]model.Event{b, c}, nil)
	tr.FetchOnce(context.Background())

	snap := tr.Store().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "b", snap[0].Event.Title)
	assert.Equal(t, "c", snap[1].Event.Title)
}

func TestReconcileModifiedEventReplacesOldValue(t *testing.T) {
	clock := &fakeClock{now: base}
	orig := event("Planning", base.Add(2*time.Hour), 10)
	moved := event("Planning", base.Add(3*time.Hour), 10)
	store := NewEventStore()

	store.Reconcile([]model.Event{orig}, clock.Now())
	res := store.Reconcile([]model.Event{moved}, clock.Now())

	assert.Len(t, res.Removed, 1)
	assert.Len(t, res.Added, 1)
	p, _ := store.Lookup(orig)
	assert.False(t, p)
	p, _ = store.Lookup(moved)
	assert.True(t, p)
}

func TestReconcileDropsAlarmedStateOfRemovedEvents(t *testing.T) {
	ev := event("Demo", base.Add(time.Hour), 60)
	store := NewEventStore()
	store.Reconcile([]model.Event{ev}, base)
	res := store.ScanAndAlarm(context.Background(), base, func(context.Context, model.Event) {})
	require.Len(t, res.Fired, 1)

	store.Reconcile(nil, base)
	pending, alarmed := store.Len()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, alarmed)
}

func TestPastEventsAreNotAdded(t *testing.T) {
	clock := &fakeClock{now: base}
	past := event("Earlier", base.Add(-time.Minute), 10)
	now := event("Now", base, 10)
	future := event("Later", base.Add(time.Minute), 10)
	src := &fakeSource{events: []model.Event{past, now, future}}
	tr := newTestTracker(t, src, &fakeNotifier{}, clock)

	tr.FetchOnce(context.Background())

	for _, ev := range []model.Event{past, now} {
		p, _ := tr.Store().Lookup(ev)
		assert.False(t, p, ev.Title)
	}
	p, _ := tr.Store().Lookup(future)
	assert.True(t, p)
}

func TestConnectionFailureIsolation(t *testing.T) {
	clock := &fakeClock{now: base}
	a := event("a", base.Add(time.Hour), 10)
	src := &fakeSource{events: []model.Event{a}}
	tr := newTestTracker(t, src, &fakeNotifier{}, clock)

	wait := tr.FetchOnce(context.Background())
	assert.Equal(t, 5*time.Minute, wait)

	src.set(nil, &model.ConnectionError{Source: "test", Err: errors.New("session expired")})
	wait = tr.FetchOnce(context.Background())
	assert.Equal(t, 10*time.Minute, wait)
	assert.Equal(t, 1, src.reconnects)

	p, _ := tr.Store().Lookup(a)
	assert.True(t, p, "store must be untouched by a failed fetch")
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.Metrics().FetchFailures))

	// Plain errors are treated the same way.
	src.set(nil, errors.New("dial tcp: i/o timeout"))
	wait = tr.FetchOnce(context.Background())
	assert.Equal(t, 10*time.Minute, wait)

	src.set([]model.Event{a}, nil)
	wait = tr.FetchOnce(context.Background())
	assert.Equal(t, 5*time.Minute, wait)
	assert.Equal(t, 0, tr.reconnect.Failures())
}

func TestNotifyFailureStillMarksAlarmed(t *testing.T) {
	clock := &fakeClock{now: base}
	ev := event("Flaky", base.Add(5*time.Minute), 10)
	src := &fakeSource{events: []model.Event{ev}}
	n := &fakeNotifier{err: &model.NotifyError{Notifier: "test", Err: errors.New("no bus")}}
	tr := newTestTracker(t, src, n, clock)

	tr.FetchOnce(context.Background())
	tr.AlarmOnce(context.Background())
	tr.AlarmOnce(context.Background())

	_, alarmed := tr.Store().Lookup(ev)
	assert.True(t, alarmed)
	assert.Equal(t, 1, n.count("Flaky"))
	assert.Equal(t, 1.0, testutil.ToFloat64(tr.Metrics().NotifyFailures))
}

func TestNotificationContent(t *testing.T) {
	clock := &fakeClock{now: base}
	withLoc := event("Lunch", base.Add(5*time.Minute), 10)
	withLoc.Location = "Cafeteria"
	noLoc := event("Call", base.Add(6*time.Minute), 10)
	src := &fakeSource{events: []model.Event{withLoc, noLoc}}
	n := &fakeNotifier{}
	tr := newTestTracker(t, src, n, clock)

	tr.FetchOnce(context.Background())
	tr.AlarmOnce(context.Background())

	require.Len(t, n.calls, 2)
	assert.Equal(t, shown{"Lunch", "Starting: 2025-03-03 09:05:00\nLocation: Cafeteria", "appointment-soon"}, n.calls[0])
	assert.Equal(t, shown{"Call", "Starting: 2025-03-03 09:06:00", "appointment-soon"}, n.calls[1])
}

func TestWindow(t *testing.T) {
	seoul := time.FixedZone("KST", 9*3600)
	tr := New(Config{LookaheadDays: 2, Location: seoul}, &fakeSource{}, &fakeNotifier{})

	// 20:00 UTC on Mar 3 is already Mar 4 in Seoul.
	start, end := tr.Window(time.Date(2025, 3, 3, 20, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, seoul), start)
	assert.Equal(t, time.Date(2025, 3, 6, 0, 0, 0, 0, seoul), end)
}

func TestFetchPassesWindowToSource(t *testing.T) {
	clock := &fakeClock{now: base}
	src := &fakeSource{}
	tr := newTestTracker(t, src, &fakeNotifier{}, clock)

	tr.FetchOnce(context.Background())
	assert.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), src.lastStart)
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), src.lastEnd)
}

func TestConcurrentCyclesShareStore(t *testing.T) {
	clock := &fakeClock{now: base}
	var events []model.Event
	for i := 0; i < 50; i++ {
		events = append(events, event("e", base.Add(time.Duration(i+1)*time.Minute), 5))
	}
	src := &fakeSource{events: events}
	n := &fakeNotifier{}
	tr := newTestTracker(t, src, n, clock)
	tr.FetchOnce(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			tr.FetchOnce(context.Background())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			tr.AlarmOnce(context.Background())
		}
	}()
	wg.Wait()
	tr.AlarmOnce(context.Background())

	pending, alarmed := tr.Store().Len()
	assert.Equal(t, 50, pending)
	assert.LessOrEqual(t, alarmed, pending)
	// Occurrences 1..5 minutes out are due at base; each fires once.
	assert.Equal(t, 5, n.count("e"))
}

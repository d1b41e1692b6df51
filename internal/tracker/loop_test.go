package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calalert/internal/metrics"
	"calalert/internal/model"
)

// recordingSleep records requested waits and cancels after limit calls.
type recordingSleep struct {
	mu     sync.Mutex
	waits  []time.Duration
	limit  int
	cancel context.CancelFunc
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	n := len(r.waits)
	r.mu.Unlock()
	if n >= r.limit {
		r.cancel()
	}
	return ctx.Err()
}

func (r *recordingSleep) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func TestFetchLoopUsesRetryBackoffAfterFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recordingSleep{limit: 3, cancel: cancel}

	clock := &fakeClock{now: base}
	src := &fakeSource{err: &model.ConnectionError{Source: "test", Err: errors.New("offline")}}
	tr := New(Config{
		LoginRetry: 7 * time.Minute,
		Location:   time.UTC,
	}, src, &fakeNotifier{}, WithClock(clock.Now), WithSleep(rec.sleep), WithMetrics(metrics.New()))

	err := tr.StartFetchLoop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{7 * time.Minute, 7 * time.Minute, 7 * time.Minute}, rec.recorded())
	assert.Equal(t, 3, src.calls)
}

func TestAlarmLoopHonorsStartupOffset(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recordingSleep{limit: 3, cancel: cancel}

	clock := &fakeClock{now: base}
	tr := New(Config{
		AlarmInterval: 15 * time.Second,
		StartupOffset: 4 * time.Second,
		Location:      time.UTC,
	}, &fakeSource{}, &fakeNotifier{}, WithClock(clock.Now), WithSleep(rec.sleep), WithMetrics(metrics.New()))

	err := tr.StartAlarmLoop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []time.Duration{4 * time.Second, 15 * time.Second, 15 * time.Second}, rec.recorded())
}

type panickySource struct{}

func (panickySource) FetchEvents(context.Context, time.Time, time.Time) ([]model.Event, error) {
	panic("feed parser exploded")
}

func TestFetchIterationRecoversPanic(t *testing.T) {
	tr := New(Config{LoginRetry: time.Minute, Location: time.UTC}, panickySource{}, &fakeNotifier{}, WithMetrics(metrics.New()))
	var wait time.Duration
	require.NotPanics(t, func() { wait = tr.fetchIteration(context.Background()) })
	assert.Equal(t, time.Minute, wait)
}

type panickyNotifier struct{}

func (panickyNotifier) Show(context.Context, string, string, string) error {
	panic("notification daemon exploded")
}

func TestAlarmIterationRecoversPanic(t *testing.T) {
	clock := &fakeClock{now: base}
	ev := event("x", base.Add(time.Minute), 5)
	tr := New(Config{Location: time.UTC}, &fakeSource{events: []model.Event{ev}}, panickyNotifier{},
		WithClock(clock.Now), WithMetrics(metrics.New()))
	tr.FetchOnce(context.Background())

	require.NotPanics(t, func() { tr.alarmIteration(context.Background()) })
	// The store lock was released and the event stays alarmed.
	_, alarmed := tr.Store().Lookup(ev)
	assert.True(t, alarmed)
}

func TestSuperviseRestartsAfterFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	tr := New(Config{RestartDelay: time.Millisecond}, &fakeSource{}, &fakeNotifier{},
		WithMetrics(m), WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))

	runs := 0
	err := tr.Supervise(ctx, "fetch", func(ctx context.Context) error {
		runs++
		switch runs {
		case 1:
			panic("boom")
		case 2:
			return errors.New("unexpected")
		default:
			cancel()
			<-ctx.Done()
			return ctx.Err()
		}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, runs)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LoopRestarts.WithLabelValues("fetch")))
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	tr := New(Config{Location: time.UTC, StartupOffset: time.Hour}, &fakeSource{}, &fakeNotifier{}, WithMetrics(metrics.New()))

	done := make(chan error, 1)
	go func() {
		done <- tr.Run(ctx, Actor{Name: "probe", Execute: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		}})
	}()

	<-started
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReturnsActorFailure(t *testing.T) {
	tr := New(Config{Location: time.UTC, StartupOffset: time.Hour}, &fakeSource{}, &fakeNotifier{}, WithMetrics(metrics.New()))

	err := tr.Run(context.Background(), Actor{Name: "web", Execute: func(context.Context) error {
		return errors.New("address already in use")
	}})
	assert.ErrorContains(t, err, "web: address already in use")
}

func TestReconnectPolicy(t *testing.T) {
	p := NewReconnectPolicy(time.Minute, 0)
	for i := 0; i < 3; i++ {
		assert.Equal(t, time.Minute, p.Next())
	}
	assert.Equal(t, 3, p.Failures())
	p.Reset()
	assert.Equal(t, 0, p.Failures())

	p = NewReconnectPolicy(time.Minute, 5*time.Minute)
	assert.Equal(t, time.Minute, p.Next())
	assert.Equal(t, 2*time.Minute, p.Next())
	assert.Equal(t, 4*time.Minute, p.Next())
	assert.Equal(t, 5*time.Minute, p.Next())
	assert.Equal(t, 5*time.Minute, p.Next())
	p.Reset()
	assert.Equal(t, time.Minute, p.Next())
}

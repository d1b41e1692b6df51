package tracker

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"calalert/internal/model"
)

// EventStore is the set of pending alarm occurrences plus the subset that
// has already been alarmed. Both sets change together under one mutex and
// only through the transactional methods below. The mutex is never held
// while calling out to a source or a notifier.
type EventStore struct {
	mu      sync.Mutex
	pending map[model.EventKey]model.Event
	alarmed map[model.EventKey]struct{}
}

func NewEventStore() *EventStore {
	return &EventStore{
		pending: make(map[model.EventKey]model.Event),
		alarmed: make(map[model.EventKey]struct{}),
	}
}

// ReconcileResult describes what one Reconcile call changed.
type ReconcileResult struct {
	Fetched int
	Added   []model.Event
	Removed []model.Event
	// Past counts fresh occurrences dropped because they already started.
	Past    int
	Pending int
}

// Reconcile replaces the pending set with what the source reported: pending
// events missing from fresh are dropped (deleted or modified upstream), and
// fresh events not yet pending are added when they start after now.
func (s *EventStore) Reconcile(fresh []model.Event, now time.Time) ReconcileResult {
	freshByKey := make(map[model.EventKey]model.Event, len(fresh))
	for _, ev := range fresh {
		freshByKey[ev.Key()] = ev
	}
	res := ReconcileResult{Fetched: len(fresh)}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ev := range s.pending {
		if _, ok := freshByKey[k]; ok {
			continue
		}
		delete(s.pending, k)
		delete(s.alarmed, k)
		res.Removed = append(res.Removed, ev)
	}
	for k, ev := range freshByKey {
		if _, ok := s.pending[k]; ok {
			continue
		}
		if !ev.Start.After(now) {
			res.Past++
			continue
		}
		s.pending[k] = ev
		res.Added = append(res.Added, ev)
	}
	res.Pending = len(s.pending)
	return res
}

// ScanResult describes one ScanAndAlarm pass.
type ScanResult struct {
	Fired   []model.Event
	Evicted []model.Event
	Pending int
}

// ScanAndAlarm evicts every occurrence whose start has passed, marks every
// occurrence whose alarm time has arrived as alarmed, and then calls fire
// for each newly alarmed occurrence after the lock is released. An
// occurrence is alarmed at most once while it stays pending, whether or not
// fire succeeds.
func (s *EventStore) ScanAndAlarm(ctx context.Context, now time.Time, fire func(context.Context, model.Event)) ScanResult {
	res := s.scan(now)
	for _, ev := range res.Fired {
		if ctx.Err() != nil {
			break
		}
		fire(ctx, ev)
	}
	return res
}

func (s *EventStore) scan(now time.Time) ScanResult {
	var res ScanResult
	nowUnix := now.Unix()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ev := range s.pending {
		switch {
		case nowUnix >= ev.StartUnix():
			delete(s.pending, k)
			delete(s.alarmed, k)
			res.Evicted = append(res.Evicted, ev)
		case nowUnix >= ev.AlarmUnix():
			if _, done := s.alarmed[k]; done {
				continue
			}
			s.alarmed[k] = struct{}{}
			res.Fired = append(res.Fired, ev)
		}
	}
	res.Pending = len(s.pending)

	slices.SortFunc(res.Fired, func(a, b model.Event) int {
		return cmp.Compare(a.AlarmUnix(), b.AlarmUnix())
	})
	return res
}

// EventState is a read-only view of one pending occurrence.
type EventState struct {
	Event   model.Event
	Alarmed bool
}

// Snapshot returns the pending occurrences ordered by start time.
func (s *EventStore) Snapshot() []EventState {
	s.mu.Lock()
	out := make([]EventState, 0, len(s.pending))
	for k, ev := range s.pending {
		_, alarmed := s.alarmed[k]
		out = append(out, EventState{Event: ev, Alarmed: alarmed})
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b EventState) int {
		return a.Event.Start.Compare(b.Event.Start)
	})
	return out
}

// Lookup reports whether ev is pending and whether it has been alarmed.
func (s *EventStore) Lookup(ev model.Event) (pending, alarmed bool) {
	k := ev.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, pending = s.pending[k]
	_, alarmed = s.alarmed[k]
	return pending, alarmed
}

// Len returns the sizes of the pending and alarmed sets.
func (s *EventStore) Len() (pending, alarmed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.alarmed)
}

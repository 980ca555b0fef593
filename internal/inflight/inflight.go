// Package inflight tracks conversions that are currently running so the same
// source is never processed twice at once.
package inflight

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// State is the pipeline stage of an in-flight conversion.
type State string

const (
	StateIdle       State = "idle"
	StateQueued     State = "queued"
	StateFetching   State = "fetching"
	StateDecoding   State = "decoding"
	StateEncoding   State = "encoding"
	StateDelivering State = "delivering"
	StateRecording  State = "recording"
	StateFailed     State = "failed"
)

const (
	DefaultStaleAfter    = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Entry is a read-only view of one active key.
type Entry struct {
	Key       string    `json:"key"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

type entry struct {
	state     State
	startedAt time.Time
	token     uint64
}

// Set holds at most one entry per key.
type Set struct {
	mu         sync.Mutex
	now        func() time.Time
	staleAfter time.Duration
	entries    map[string]*entry
	seq        uint64
}

func New(staleAfter time.Duration, now func() time.Time) *Set {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if now == nil {
		now = time.Now
	}
	return &Set{
		now:        now,
		staleAfter: staleAfter,
		entries:    make(map[string]*entry),
	}
}

// Acquire claims key. It returns false when the key is already active.
func (s *Set) Acquire(key string) (*Lease, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.entries[key]; busy {
		return nil, false
	}
	s.seq++
	s.entries[key] = &entry{state: StateFetching, startedAt: s.now(), token: s.seq}
	return &Lease{set: s, key: key, token: s.seq}, true
}

func (s *Set) State(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.state
	}
	return StateIdle
}

func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot lists active entries, oldest first.
func (s *Set) Snapshot() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for k, e := range s.entries {
		out = append(out, Entry{Key: k, State: e.state, StartedAt: e.startedAt})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Sweep drops entries older than the staleness window and returns how many it removed.
func (s *Set) Sweep() int {
	cutoff := s.now().Add(-s.staleAfter)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if e.startedAt.Before(cutoff) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Run sweeps on a fixed interval until ctx is done. onSweep, when set, gets
// the number of entries each non-empty sweep removed.
func (s *Set) Run(ctx context.Context, interval time.Duration, onSweep func(n int)) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(); n > 0 {
				log.Printf("[inflight] swept %d stale entries", n)
				if onSweep != nil {
					onSweep(n)
				}
			}
		}
	}
}

func (s *Set) setState(key string, token uint64, st State) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok && e.token == token {
		e.state = st
	}
	s.mu.Unlock()
}

func (s *Set) release(key string, token uint64) {
	s.mu.Lock()
	// the sweep may already have dropped us and someone else claimed the key
	if e, ok := s.entries[key]; ok && e.token == token {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

// Lease is the right to run one conversion for a key.
type Lease struct {
	set   *Set
	key   string
	token uint64
	once  sync.Once
}

func (l *Lease) Key() string { return l.key }

func (l *Lease) SetState(st State) {
	l.set.setState(l.key, l.token, st)
}

// Release is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.set.release(l.key, l.token) })
}

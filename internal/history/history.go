// Package history keeps the list of recent conversions shown by the popup.
package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/trunov/webpconv/internal/cache"
	"github.com/trunov/webpconv/internal/entities"
	"github.com/trunov/webpconv/internal/messaging"
)

const (
	// MaxEntries caps the stored list; older entries are evicted.
	MaxEntries = 10
	StorageKey = "recentConversions"
)

// Publisher is the part of messaging.Hub the recorder needs.
type Publisher interface {
	Publish(n messaging.Notification)
}

// Recorder serializes read-modify-write cycles on the stored list.
type Recorder struct {
	mu    sync.Mutex
	store cache.Store
	pub   Publisher
}

func NewRecorder(store cache.Store, pub Publisher) *Recorder {
	return &Recorder{store: store, pub: pub}
}

// Record puts entry first, trims the list and pushes the new list to every subscriber.
func (r *Recorder) Record(ctx context.Context, entry entities.RecentConversionEntry) ([]entities.RecentConversionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	list = Prepend(list, entry)
	if err := r.store.Set(ctx, cache.ScopeLocal, StorageKey, list); err != nil {
		return nil, fmt.Errorf("save recent conversions: %w", err)
	}

	if r.pub != nil {
		r.pub.Publish(messaging.Notification{
			Action: messaging.ActionUpdateRecentConversions,
			Data:   messaging.UpdateRecentConversions{RecentConversions: list},
		})
	}
	return list, nil
}

// List returns the stored entries, most recent first.
func (r *Recorder) List(ctx context.Context) ([]entities.RecentConversionEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

func (r *Recorder) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Remove(ctx, cache.ScopeLocal, StorageKey); err != nil {
		return fmt.Errorf("clear recent conversions: %w", err)
	}
	if r.pub != nil {
		r.pub.Publish(messaging.Notification{
			Action: messaging.ActionUpdateRecentConversions,
			Data:   messaging.UpdateRecentConversions{RecentConversions: []entities.RecentConversionEntry{}},
		})
	}
	return nil
}

func (r *Recorder) load(ctx context.Context) ([]entities.RecentConversionEntry, error) {
	var list []entities.RecentConversionEntry
	if _, err := r.store.Get(ctx, cache.ScopeLocal, StorageKey, &list); err != nil {
		return nil, fmt.Errorf("load recent conversions: %w", err)
	}
	if list == nil {
		list = []entities.RecentConversionEntry{}
	}
	return list, nil
}

// Prepend returns a new slice with entry first and at most MaxEntries items.
func Prepend(list []entities.RecentConversionEntry, entry entities.RecentConversionEntry) []entities.RecentConversionEntry {
	n := len(list) + 1
	if n > MaxEntries {
		n = MaxEntries
	}
	out := make([]entities.RecentConversionEntry, 0, n)
	out = append(out, entry)
	for _, e := range list {
		if len(out) == MaxEntries {
			break
		}
		out = append(out, e)
	}
	return out
}

// Package prefs caches the user's synced preferences and tells interested
// components when they change.
package prefs

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/trunov/webpconv/internal/cache"
	"github.com/trunov/webpconv/internal/entities"
	"github.com/trunov/webpconv/internal/messaging"
)

const (
	KeyAutoConvert     = "autoConvert"
	KeyPreferredFormat = "preferredFormat"
)

type Publisher interface {
	Publish(n messaging.Notification)
}

type Store struct {
	store cache.Store
	pub   Publisher

	// writeMu serializes read-modify-write cycles against storage
	writeMu sync.Mutex

	mu      sync.RWMutex
	current entities.UserPreferences
}

func New(store cache.Store, pub Publisher) *Store {
	return &Store{
		store:   store,
		pub:     pub,
		current: entities.DefaultPreferences(),
	}
}

// Load reads both keys from the synced scope. Missing keys keep their defaults.
func (s *Store) Load(ctx context.Context) (entities.UserPreferences, error) {
	p := entities.DefaultPreferences()

	if _, err := s.store.Get(ctx, cache.ScopeSync, KeyAutoConvert, &p.AutoConvert); err != nil {
		return p, fmt.Errorf("load %s: %w", KeyAutoConvert, err)
	}
	var format string
	ok, err := s.store.Get(ctx, cache.ScopeSync, KeyPreferredFormat, &format)
	if err != nil {
		return p, fmt.Errorf("load %s: %w", KeyPreferredFormat, err)
	}
	if ok {
		f, err := entities.ParseFormat(format)
		if err != nil {
			log.Printf("[prefs] ignoring stored %s: %v", KeyPreferredFormat, err)
		} else {
			p.PreferredFormat = f
		}
	}

	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	return p, nil
}

// Get returns the cached preferences without touching storage.
func (s *Store) Get() entities.UserPreferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update persists p and pushes preferencesChanged when anything changed.
func (s *Store) Update(ctx context.Context, p entities.UserPreferences) (entities.UserPreferences, error) {
	return s.Modify(ctx, func(entities.UserPreferences) entities.UserPreferences { return p })
}

// Modify applies fn to the current preferences and persists the result.
// Concurrent calls run one at a time, so each sees the previous result.
func (s *Store) Modify(ctx context.Context, fn func(entities.UserPreferences) entities.UserPreferences) (entities.UserPreferences, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.Get()
	p := fn(prev)
	f, err := entities.ParseFormat(string(p.PreferredFormat))
	if err != nil {
		return prev, err
	}
	p.PreferredFormat = f

	if p.AutoConvert != prev.AutoConvert {
		if err := s.store.Set(ctx, cache.ScopeSync, KeyAutoConvert, p.AutoConvert); err != nil {
			return prev, fmt.Errorf("save %s: %w", KeyAutoConvert, err)
		}
		// keep the cache in step with what storage now holds
		s.set(entities.UserPreferences{AutoConvert: p.AutoConvert, PreferredFormat: prev.PreferredFormat})
	}
	if p.PreferredFormat != prev.PreferredFormat {
		if err := s.store.Set(ctx, cache.ScopeSync, KeyPreferredFormat, string(p.PreferredFormat)); err != nil {
			return s.Get(), fmt.Errorf("save %s: %w", KeyPreferredFormat, err)
		}
	}
	if p == prev {
		return p, nil
	}
	s.set(p)

	log.Printf("[prefs] autoConvert=%t preferredFormat=%s", p.AutoConvert, p.PreferredFormat)
	if s.pub != nil {
		s.pub.Publish(messaging.Notification{Action: messaging.ActionPreferencesChanged, Data: p})
	}
	return p, nil
}

func (s *Store) SetAutoConvert(ctx context.Context, enabled bool) (entities.UserPreferences, error) {
	return s.Modify(ctx, func(p entities.UserPreferences) entities.UserPreferences {
		p.AutoConvert = enabled
		return p
	})
}

func (s *Store) SetPreferredFormat(ctx context.Context, f entities.Format) (entities.UserPreferences, error) {
	return s.Modify(ctx, func(p entities.UserPreferences) entities.UserPreferences {
		p.PreferredFormat = f
		return p
	})
}

func (s *Store) set(p entities.UserPreferences) {
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
}

package prefs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trunov/webpconv/internal/cache"
	"github.com/trunov/webpconv/internal/entities"
	"github.com/trunov/webpconv/internal/messaging"
)

func TestLoadDefaults(t *testing.T) {
	s := New(cache.NewMemory(), nil)
	p, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entities.DefaultPreferences(), p)
}

func TestLoadReadsSyncedKeys(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory()
	require.NoError(t, store.Set(ctx, cache.ScopeSync, KeyAutoConvert, true))
	require.NoError(t, store.Set(ctx, cache.ScopeSync, KeyPreferredFormat, "png"))

	s := New(store, nil)
	p, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, p.AutoConvert)
	assert.Equal(t, entities.FormatPNG, p.PreferredFormat)
	assert.Equal(t, p, s.Get())
}

func TestLoadIgnoresUnknownFormat(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory()
	require.NoError(t, store.Set(ctx, cache.ScopeSync, KeyPreferredFormat, "gif"))

	p, err := New(store, nil).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, entities.FormatJPG, p.PreferredFormat)
}

func TestUpdatePersistsAndNotifies(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory()
	hub := messaging.NewHub()
	sub := hub.Subscribe(0, 4)
	defer sub.Close()

	s := New(store, hub)
	p, err := s.SetAutoConvert(ctx, true)
	require.NoError(t, err)
	assert.True(t, p.AutoConvert)

	var stored bool
	ok, err := store.Get(ctx, cache.ScopeSync, KeyAutoConvert, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored)

	n := <-sub.C
	assert.Equal(t, messaging.ActionPreferencesChanged, n.Action)

	// no change, no notification
	_, err = s.SetAutoConvert(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, sub.C)

	_, err = s.SetPreferredFormat(ctx, entities.FormatPNG)
	require.NoError(t, err)
	n = <-sub.C
	assert.Equal(t, entities.FormatPNG, n.Data.(entities.UserPreferences).PreferredFormat)
	assert.Equal(t, entities.FormatPNG, s.Get().PreferredFormat)

	var format string
	_, err = store.Get(ctx, cache.ScopeSync, KeyPreferredFormat, &format)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
}

func TestUpdateRejectsUnknownFormat(t *testing.T) {
	s := New(cache.NewMemory(), nil)
	_, err := s.SetPreferredFormat(context.Background(), entities.Format("bmp"))
	assert.Error(t, err)
	assert.Equal(t, entities.FormatJPG, s.Get().PreferredFormat)
}

type slowStore struct {
	*cache.Memory
	delay time.Duration
}

func (s slowStore) Set(ctx context.Context, scope cache.Scope, key string, value interface{}) error {
	time.Sleep(s.delay)
	return s.Memory.Set(ctx, scope, key, value)
}

func TestConcurrentUpdatesKeepCacheInStepWithStorage(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		store := slowStore{Memory: cache.NewMemory(), delay: time.Millisecond}
		s := New(store, nil)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.SetAutoConvert(ctx, true)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := s.SetPreferredFormat(ctx, entities.FormatPNG)
			assert.NoError(t, err)
		}()
		wg.Wait()

		want := entities.UserPreferences{AutoConvert: true, PreferredFormat: entities.FormatPNG}
		require.Equal(t, want, s.Get())
		persisted, err := New(store, nil).Load(ctx)
		require.NoError(t, err)
		require.Equal(t, want, persisted)
	}
}

func TestModifyTogglesFromCurrentValue(t *testing.T) {
	ctx := context.Background()
	s := New(slowStore{Memory: cache.NewMemory(), delay: time.Millisecond}, nil)
	flip := func(p entities.UserPreferences) entities.UserPreferences {
		p.AutoConvert = !p.AutoConvert
		return p
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Modify(ctx, flip)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.True(t, s.Get().AutoConvert)
}

package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trunov/webpconv/internal/cache"
	"github.com/trunov/webpconv/internal/entities"
	"github.com/trunov/webpconv/internal/messaging"
)

func entry(i int) entities.RecentConversionEntry {
	return entities.RecentConversionEntry{
		OriginalURL:       fmt.Sprintf("https://site/%d.webp", i),
		ConvertedFilename: fmt.Sprintf("%d.jpg", i),
		Timestamp:         int64(1700000000000 + i),
	}
}

func TestRecordKeepsNewestFirstAndCaps(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(cache.NewMemory(), nil)

	for i := 1; i <= MaxEntries; i++ {
		_, err := rec.Record(ctx, entry(i))
		require.NoError(t, err)
	}
	list, err := rec.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, MaxEntries)
	assert.Equal(t, entry(MaxEntries), list[0])
	assert.Equal(t, entry(1), list[MaxEntries-1])

	list, err = rec.Record(ctx, entry(11))
	require.NoError(t, err)
	require.Len(t, list, MaxEntries)
	assert.Equal(t, entry(11), list[0])
	for _, e := range list {
		assert.NotEqual(t, entry(1).OriginalURL, e.OriginalURL)
	}
}

func TestRecordPersistsToLocalScope(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory()
	rec := NewRecorder(store, nil)

	_, err := rec.Record(ctx, entry(1))
	require.NoError(t, err)

	var stored []entities.RecentConversionEntry
	ok, err := store.Get(ctx, cache.ScopeLocal, StorageKey, &stored)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []entities.RecentConversionEntry{entry(1)}, stored)

	ok, err = store.Get(ctx, cache.ScopeSync, StorageKey, &stored)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordPushesUpdate(t *testing.T) {
	ctx := context.Background()
	hub := messaging.NewHub()
	sub := hub.Subscribe(0, 4)
	defer sub.Close()

	rec := NewRecorder(cache.NewMemory(), hub)
	_, err := rec.Record(ctx, entry(1))
	require.NoError(t, err)

	n := <-sub.C
	assert.Equal(t, messaging.ActionUpdateRecentConversions, n.Action)
	upd, ok := n.Data.(messaging.UpdateRecentConversions)
	require.True(t, ok)
	assert.Equal(t, []entities.RecentConversionEntry{entry(1)}, upd.RecentConversions)
}

func TestListEmpty(t *testing.T) {
	rec := NewRecorder(cache.NewMemory(), nil)
	list, err := rec.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(cache.NewMemory(), nil)
	_, err := rec.Record(ctx, entry(1))
	require.NoError(t, err)

	require.NoError(t, rec.Clear(ctx))
	list, err := rec.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPrependDoesNotAliasInput(t *testing.T) {
	in := []entities.RecentConversionEntry{entry(1), entry(2)}
	out := Prepend(in, entry(3))
	out[1].ConvertedFilename = "changed"
	assert.Equal(t, "1.jpg", in[0].ConvertedFilename)
}

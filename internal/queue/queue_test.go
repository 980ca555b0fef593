package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trunov/webpconv/internal/entities"
)

func TestLocalEnqueueFull(t *testing.T) {
	q := NewLocal(1, 1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, InterceptJob{SourceURL: "https://a/1.webp"}))
	assert.ErrorIs(t, q.Enqueue(ctx, InterceptJob{SourceURL: "https://a/2.webp"}), ErrQueueFull)
	assert.Equal(t, 1, q.Len())
}

func TestLocalRunsJobs(t *testing.T) {
	q := NewLocal(4, 2)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var seen []string
	q.Start(ctx, func(_ context.Context, job InterceptJob) error {
		mu.Lock()
		seen = append(seen, job.Filename)
		mu.Unlock()
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, InterceptJob{SourceURL: "https://a/pic.webp", Format: entities.FormatPNG, Filename: "pic.png"}))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	q.Wait()
	assert.Equal(t, []string{"pic.png"}, seen)
}

func TestDecodeJob(t *testing.T) {
	job, err := decodeJob(redis.XMessage{ID: "1-0", Values: map[string]interface{}{
		"payload": `{"download_id":4,"source_url":"https://a/b.webp","format":"png","filename":"b.png"}`,
	}})
	require.NoError(t, err)
	assert.Equal(t, InterceptJob{DownloadID: 4, SourceURL: "https://a/b.webp", Format: entities.FormatPNG, Filename: "b.png"}, job)

	_, err = decodeJob(redis.XMessage{ID: "2-0", Values: map[string]interface{}{}})
	assert.Error(t, err)

	_, err = decodeJob(redis.XMessage{ID: "3-0", Values: map[string]interface{}{"payload": "{"}})
	assert.Error(t, err)
}

package r2

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu       sync.Mutex
	failures int
	calls    int
	keys     []string
	bodies   [][]byte
}

func (f *fakeUploader) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("transient")
	}
	body, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, aws.ToString(in.Key))
	f.bodies = append(f.bodies, body)
	return &manager.UploadOutput{}, nil
}

func newTestMirror(up Uploader, queue int) *Mirror {
	m := &Mirror{
		Bucket:         "bucket",
		Prefix:         "converted",
		Workers:        1,
		QueueSize:      queue,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		UploadTimeout:  time.Second,
		Uploader:       up,
	}
	return m
}

func TestMirrorRetriesThenSucceeds(t *testing.T) {
	up := &fakeUploader{failures: 2}
	m := newTestMirror(up, 4)
	m.Start()

	done := make(chan struct{})
	require.NoError(t, m.UploadWithHook(context.Background(), "a.jpg", "image/jpeg", []byte("jpeg"), func() { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("upload never succeeded")
	}
	m.Close()

	assert.Equal(t, 3, up.calls)
	assert.Equal(t, []string{"converted/a.jpg"}, up.keys)
	assert.Equal(t, [][]byte{[]byte("jpeg")}, up.bodies)
}

func TestMirrorGivesUpAfterMaxRetries(t *testing.T) {
	up := &fakeUploader{failures: 10}
	m := newTestMirror(up, 4)
	m.Start()

	called := false
	require.NoError(t, m.UploadWithHook(context.Background(), "b.png", "image/png", []byte("png"), func() { called = true }))
	m.Close()

	assert.False(t, called)
	assert.Equal(t, 3, up.calls)
}

func TestMirrorQueueFull(t *testing.T) {
	m := newTestMirror(&fakeUploader{}, 1)
	// no workers started, so the queue never drains
	m.queue = make(chan uploadReq, 1)

	require.NoError(t, m.UploadWithHook(context.Background(), "1.jpg", "image/jpeg", nil, nil))
	assert.ErrorIs(t, m.UploadWithHook(context.Background(), "2.jpg", "image/jpeg", nil, nil), ErrQueueFull)
}

func TestBackoffDelayGrows(t *testing.T) {
	m := &Mirror{RetryBaseDelay: 100 * time.Millisecond}
	d1 := m.backoffDelay(1)
	d3 := m.backoffDelay(3)
	assert.InDelta(t, float64(100*time.Millisecond), float64(d1), float64(10*time.Millisecond))
	assert.InDelta(t, float64(400*time.Millisecond), float64(d3), float64(40*time.Millisecond))
}

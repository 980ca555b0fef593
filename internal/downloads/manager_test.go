package downloads

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trunov/webpconv/internal/entities"
)

func TestDataDownloadUniquifies(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil, 0)
	ctx := context.Background()

	first, err := m.Download(ctx, Options{Data: []byte("one"), Filename: "a.jpg", SaveAs: true})
	require.NoError(t, err)
	second, err := m.Download(ctx, Options{Data: []byte("two"), Filename: "a.jpg"})
	require.NoError(t, err)

	assert.Equal(t, "a.jpg", first.Filename)
	assert.Equal(t, "a (1).jpg", second.Filename)
	assert.True(t, first.SaveAs)
	assert.Equal(t, StateComplete, first.State)

	data, err := os.ReadFile(filepath.Join(dir, "a (1).jpg"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	got, ok := m.Get(second.ID)
	require.True(t, ok)
	assert.Equal(t, second, got)
	assert.Len(t, m.List(), 2)
}

func TestDataDownloadSkipsInterceptor(t *testing.T) {
	m := NewManager(t.TempDir(), nil, 0)
	m.SetInterceptor(func(context.Context, entities.DownloadDescriptor) bool {
		t.Fatal("interceptor called for in-memory data")
		return true
	})
	_, err := m.Download(context.Background(), Options{Data: []byte("x"), Filename: "x.png"})
	require.NoError(t, err)
}

func TestFilenameCannotEscapeDir(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, nil, 0)

	it, err := m.Download(context.Background(), Options{Data: []byte("x"), Filename: "../../etc/passwd"})
	require.NoError(t, err)
	assert.Equal(t, "passwd", it.Filename)
	assert.Equal(t, filepath.Join(dir, "passwd"), it.Path)

	_, err = m.Download(context.Background(), Options{Data: []byte("x"), Filename: ".."})
	assert.ErrorIs(t, err, ErrInvalidFilename)
}

func TestURLDownloadInterceptorSeesDescriptor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/redirect" {
			http.Redirect(w, r, "/pic.webp?format=webp", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write([]byte("RIFF"))
	}))
	defer srv.Close()

	m := NewManager(t.TempDir(), srv.Client(), 0)
	var mu sync.Mutex
	var seen entities.DownloadDescriptor
	m.SetInterceptor(func(_ context.Context, d entities.DownloadDescriptor) bool {
		mu.Lock()
		seen = d
		mu.Unlock()
		return true
	})

	it, err := m.Download(context.Background(), Options{URL: srv.URL + "/redirect"})
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, it.State)
	assert.Empty(t, it.Path)

	assert.Equal(t, it.ID, seen.ID)
	assert.Equal(t, srv.URL+"/pic.webp?format=webp", seen.SourceURL())
	assert.Equal(t, "image/webp", seen.Mime)
	assert.Equal(t, "pic.webp", seen.Filename)
}

func TestURLDownloadSavesWhenNotCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := NewManager(dir, srv.Client(), 0)
	m.SetInterceptor(func(context.Context, entities.DownloadDescriptor) bool { return false })

	it, err := m.Download(context.Background(), Options{URL: srv.URL + "/notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, StateComplete, it.State)
	assert.Equal(t, "notes.txt", it.Filename)
	assert.Equal(t, int64(5), it.Bytes)
}

func TestURLDownloadFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	m := NewManager(t.TempDir(), srv.Client(), 16)

	it, err := m.Download(context.Background(), Options{URL: srv.URL + "/missing"})
	require.Error(t, err)
	assert.Equal(t, StateInterrupted, it.State)

	_, err = m.Download(context.Background(), Options{URL: srv.URL + "/big.bin"})
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = m.Download(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrNoSource)
}

type recordingMirror struct {
	keys []string
}

func (r *recordingMirror) UploadWithHook(_ context.Context, key, _ string, _ []byte, _ func()) error {
	r.keys = append(r.keys, key)
	return nil
}

func TestCompletedFilesAreMirrored(t *testing.T) {
	m := NewManager(t.TempDir(), nil, 0)
	mirror := &recordingMirror{}
	m.SetMirror(mirror)

	_, err := m.Download(context.Background(), Options{Data: []byte("x"), Filename: "m.png"})
	require.NoError(t, err)
	assert.Equal(t, []string{"m.png"}, mirror.keys)
}

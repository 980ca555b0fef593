// Package downloads saves files to a directory the way a browser download
// manager does, and lets an interceptor cancel URL downloads as they start.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/trunov/webpconv/internal/entities"
)

type State string

const (
	StateInProgress  State = "in_progress"
	StateComplete    State = "complete"
	StateInterrupted State = "interrupted"
	StateCancelled   State = "cancelled"
)

var (
	ErrNoSource        = errors.New("download needs a url or data")
	ErrInvalidFilename = errors.New("invalid download filename")
	ErrTooLarge        = errors.New("download exceeds size limit")
)

type Item struct {
	ID        int       `json:"id"`
	URL       string    `json:"url,omitempty"`
	FinalURL  string    `json:"finalUrl,omitempty"`
	Filename  string    `json:"filename"`
	Path      string    `json:"path,omitempty"`
	Mime      string    `json:"mime,omitempty"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	SaveAs    bool      `json:"saveAs"`
	Bytes     int64     `json:"bytes"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

// Options describe one download. Exactly one of URL and Data is set.
type Options struct {
	URL      string
	Data     []byte
	Filename string
	Mime     string
	// SaveAs asks for the save location prompt. It is recorded on the item.
	SaveAs bool
}

// Interceptor sees URL downloads before their filename is final. Returning
// true cancels the download.
type Interceptor func(ctx context.Context, d entities.DownloadDescriptor) bool

// Mirror receives a copy of every completed file.
type Mirror interface {
	UploadWithHook(ctx context.Context, key, fileType string, payload []byte, onSuccess func()) error
}

type Manager struct {
	dir      string
	client   *http.Client
	maxBytes int64

	mu          sync.RWMutex
	items       map[int]*Item
	nextID      int
	interceptor Interceptor
	mirror      Mirror
}

func NewManager(dir string, client *http.Client, maxBytes int64) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{
		dir:      dir,
		client:   client,
		maxBytes: maxBytes,
		items:    make(map[int]*Item),
	}
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) SetInterceptor(fn Interceptor) {
	m.mu.Lock()
	m.interceptor = fn
	m.mu.Unlock()
}

func (m *Manager) SetMirror(mirror Mirror) {
	m.mu.Lock()
	m.mirror = mirror
	m.mu.Unlock()
}

// Download starts and finishes a download. A cancelled download is not an error.
func (m *Manager) Download(ctx context.Context, opts Options) (Item, error) {
	switch {
	case opts.Data != nil:
		return m.saveData(ctx, opts)
	case opts.URL != "":
		return m.fetch(ctx, opts)
	default:
		return Item{}, ErrNoSource
	}
}

func (m *Manager) Get(id int) (Item, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

func (m *Manager) List() []Item {
	m.mu.RLock()
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, *it)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) begin(opts Options) *Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	it := &Item{
		ID:        m.nextID,
		URL:       opts.URL,
		Filename:  opts.Filename,
		Mime:      opts.Mime,
		SaveAs:    opts.SaveAs,
		State:     StateInProgress,
		StartedAt: time.Now(),
	}
	m.items[it.ID] = it
	return it
}

func (m *Manager) update(it *Item, fn func(it *Item)) Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(it)
	return *it
}

func (m *Manager) fail(it *Item, err error) (Item, error) {
	snap := m.update(it, func(it *Item) {
		it.State = StateInterrupted
		it.Error = err.Error()
		it.EndedAt = time.Now()
	})
	log.Printf("[downloads] #%d %s interrupted: %v", snap.ID, snap.URL, err)
	return snap, err
}

func (m *Manager) saveData(ctx context.Context, opts Options) (Item, error) {
	if opts.Mime == "" {
		opts.Mime = mimetype.Detect(opts.Data).String()
	}
	it := m.begin(opts)
	return m.finish(ctx, it, opts.Data)
}

func (m *Manager) fetch(ctx context.Context, opts Options) (Item, error) {
	it := m.begin(opts)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return m.fail(it, err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return m.fail(it, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return m.fail(it, fmt.Errorf("server responded %s", resp.Status))
	}

	desc := entities.DownloadDescriptor{
		ID:       it.ID,
		URL:      opts.URL,
		FinalURL: resp.Request.URL.String(),
		Mime:     opts.Mime,
		Filename: opts.Filename,
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			desc.Mime = mt
		}
	}
	if desc.Filename == "" {
		desc.Filename = suggestFilename(resp, desc.SourceURL())
	}
	if desc.FinalURL == desc.URL {
		desc.FinalURL = ""
	}
	m.update(it, func(it *Item) {
		it.FinalURL = desc.FinalURL
		it.Mime = desc.Mime
		it.Filename = desc.Filename
	})

	m.mu.RLock()
	intercept := m.interceptor
	m.mu.RUnlock()
	if intercept != nil && intercept(ctx, desc) {
		snap := m.update(it, func(it *Item) {
			it.State = StateCancelled
			it.EndedAt = time.Now()
		})
		log.Printf("[downloads] #%d %s cancelled by interceptor", snap.ID, snap.URL)
		return snap, nil
	}

	body := io.Reader(resp.Body)
	if m.maxBytes > 0 {
		body = io.LimitReader(resp.Body, m.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return m.fail(it, err)
	}
	if m.maxBytes > 0 && int64(len(data)) > m.maxBytes {
		return m.fail(it, ErrTooLarge)
	}
	return m.finish(ctx, it, data)
}

func (m *Manager) finish(ctx context.Context, it *Item, data []byte) (Item, error) {
	name, err := cleanFilename(it.Filename)
	if err != nil {
		return m.fail(it, err)
	}
	p, err := writeUnique(m.dir, name, data)
	if err != nil {
		return m.fail(it, err)
	}

	snap := m.update(it, func(it *Item) {
		it.Filename = filepath.Base(p)
		it.Path = p
		it.Bytes = int64(len(data))
		it.State = StateComplete
		it.EndedAt = time.Now()
	})
	log.Printf("[downloads] #%d saved %s (%d bytes)", snap.ID, snap.Path, snap.Bytes)

	m.mu.RLock()
	mirror := m.mirror
	m.mu.RUnlock()
	if mirror != nil {
		if err := mirror.UploadWithHook(ctx, snap.Filename, snap.Mime, data, nil); err != nil {
			log.Printf("[downloads] #%d mirror skipped: %v", snap.ID, err)
		}
	}
	return snap, nil
}

func suggestFilename(resp *http.Response, source string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	if i := strings.IndexAny(source, "?#"); i >= 0 {
		source = source[:i]
	}
	base := path.Base(source)
	if base == "." || base == "/" || base == "" {
		return "download"
	}
	return base
}

// cleanFilename keeps only the final path element and refuses names that
// would escape the download directory.
func cleanFilename(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", ErrInvalidFilename
	}
	return name, nil
}

// writeUnique creates dir/name, or "name (n).ext" when it exists.
func writeUnique(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 0; n < 1000; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		p := filepath.Join(root, candidate)
		if !strings.HasPrefix(p, root+string(filepath.Separator)) {
			return "", ErrInvalidFilename
		}

		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", candidate, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			os.Remove(p)
			return "", fmt.Errorf("write %s: %w", candidate, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", candidate, err)
		}
		return p, nil
	}
	return "", fmt.Errorf("no free name for %s", name)
}

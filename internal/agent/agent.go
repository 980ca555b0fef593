// Package agent is the page side of webpconv. It finds WebP images in a
// Document, makes them click-to-convert and optionally converts them as soon
// as they appear.
package agent

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"github.com/trunov/webpconv/internal/entities"
	"github.com/trunov/webpconv/internal/messaging"
	"github.com/trunov/webpconv/internal/sourceurl"
)

// Indicator texts.
const (
	IndicatorIdle       = "Click to Convert"
	IndicatorConverting = "Converting..."
	IndicatorFailed     = "Conversion failed"
)

const (
	DefaultFailedFor = 2 * time.Second
	DefaultBannerFor = 3 * time.Second
)

const reasonDuplicate = "duplicate_in_progress"

// Image is an image element. ID stays the same for the element's lifetime.
type Image struct {
	ID  string
	Src string
}

// Click carries the modifier keys held during a click.
type Click struct {
	Ctrl, Meta, Shift, Alt bool
}

func (c Click) Modified() bool {
	return c.Ctrl || c.Meta || c.Shift || c.Alt
}

type Subscription interface {
	Unsubscribe()
}

// Document is the page the agent works on.
type Document interface {
	Images(ctx context.Context) ([]Image, error)
	// OnElementAdded calls fn for every inserted image matching pred.
	OnElementAdded(pred func(Image) bool, fn func(Image)) Subscription
	// Intercept routes clicks on img to fn. fn returns true when it took
	// over the click and the default action must not run.
	Intercept(ctx context.Context, img Image, fn func(Click) bool) error
	SetIndicator(ctx context.Context, img Image, text string) error
	ShowStatus(ctx context.Context, message string, isError bool) error
}

type Options struct {
	TabID       int
	AutoConvert bool
	Format      entities.Format
	FailedFor   time.Duration
	BannerFor   time.Duration
}

type Agent struct {
	doc    Document
	client messaging.Client
	tabID  int

	autoConvert atomic.Bool
	format      atomic.Value // entities.Format

	failedFor time.Duration
	bannerFor time.Duration

	mu             sync.Mutex
	handled        map[string]bool
	processing     map[string]bool
	autoConverting map[string]bool
	bannerSeq      int

	observer Subscription
	wg       sync.WaitGroup
}

func New(doc Document, client messaging.Client, opts Options) *Agent {
	a := &Agent{
		doc:            doc,
		client:         client,
		tabID:          opts.TabID,
		failedFor:      opts.FailedFor,
		bannerFor:      opts.BannerFor,
		handled:        make(map[string]bool),
		processing:     make(map[string]bool),
		autoConverting: make(map[string]bool),
	}
	if a.failedFor <= 0 {
		a.failedFor = DefaultFailedFor
	}
	if a.bannerFor <= 0 {
		a.bannerFor = DefaultBannerFor
	}
	a.autoConvert.Store(opts.AutoConvert)
	a.format.Store(opts.Format.OrDefault())
	return a
}

// Start processes the images already in the document and watches for new ones.
func (a *Agent) Start(ctx context.Context) error {
	if _, err := a.Process(ctx); err != nil {
		return err
	}
	a.Observe(ctx)
	return nil
}

// Scan lists the convertible images currently in the document.
func (a *Agent) Scan(ctx context.Context) ([]Image, error) {
	imgs, err := a.doc.Images(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(imgs, func(img Image, _ int) bool {
		return sourceurl.IsConvertible(img.Src)
	}), nil
}

// Process scans the document and handles every convertible image. It is safe
// to call repeatedly.
func (a *Agent) Process(ctx context.Context) ([]Image, error) {
	imgs, err := a.Scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, img := range imgs {
		a.handle(ctx, img)
	}
	return imgs, nil
}

// Observe handles images inserted later. The subscription lives as long as the agent.
func (a *Agent) Observe(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.observer != nil {
		return
	}
	a.observer = a.doc.OnElementAdded(
		func(img Image) bool { return sourceurl.IsConvertible(img.Src) },
		func(img Image) { a.handle(ctx, img) },
	)
}

func (a *Agent) handle(ctx context.Context, img Image) {
	if _, err := a.Attach(ctx, img); err != nil {
		log.Printf("[agent] attach %s: %v", img.Src, err)
	}
	a.maybeAutoConvert(ctx, img)
}

// Attach wires the click handler once per image. It reports whether this call attached it.
func (a *Agent) Attach(ctx context.Context, img Image) (bool, error) {
	a.mu.Lock()
	if a.handled[img.ID] {
		a.mu.Unlock()
		return false, nil
	}
	a.handled[img.ID] = true
	a.mu.Unlock()

	if err := a.doc.Intercept(ctx, img, func(c Click) bool { return a.onClick(ctx, img, c) }); err != nil {
		a.mu.Lock()
		delete(a.handled, img.ID)
		a.mu.Unlock()
		return false, err
	}
	a.setIndicator(ctx, img, IndicatorIdle)
	return true, nil
}

func (a *Agent) onClick(ctx context.Context, img Image, c Click) bool {
	if c.Modified() {
		return false
	}

	a.mu.Lock()
	if a.processing[img.ID] {
		a.mu.Unlock()
		return true
	}
	a.processing[img.ID] = true
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			a.mu.Lock()
			delete(a.processing, img.ID)
			a.mu.Unlock()
		}()

		a.setIndicator(ctx, img, IndicatorConverting)
		res, err := a.convert(ctx, img, entities.TriggerPageClick)
		if err == nil && res.Success {
			a.setIndicator(ctx, img, IndicatorIdle)
			return
		}
		if err != nil {
			log.Printf("[agent] convert %s: %v", img.Src, err)
		} else {
			log.Printf("[agent] conversion of %s failed: %s", img.Src, res.Error)
		}
		a.setIndicator(ctx, img, IndicatorFailed)
		a.sleep(ctx, a.failedFor)
		a.setIndicator(ctx, img, IndicatorIdle)
	}()
	return true
}

func (a *Agent) maybeAutoConvert(ctx context.Context, img Image) {
	if !a.autoConvert.Load() {
		return
	}
	a.mu.Lock()
	if a.autoConverting[img.ID] {
		a.mu.Unlock()
		return
	}
	// each element is auto-converted at most once while the page lives
	a.autoConverting[img.ID] = true
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		res, err := a.convert(ctx, img, entities.TriggerAutoDetect)
		switch {
		case err != nil:
			log.Printf("[agent] auto-convert %s: %v", img.Src, err)
		case !res.Success && res.Reason != reasonDuplicate:
			log.Printf("[agent] auto-convert %s failed: %s", img.Src, res.Error)
		}
	}()
}

func (a *Agent) convert(ctx context.Context, img Image, trigger entities.TriggerKind) (messaging.ConvertResult, error) {
	var res messaging.ConvertResult
	err := a.client.Send(ctx, a.tabID, messaging.ActionConvertWebP, messaging.ConvertRequest{
		ImageURL: img.Src,
		Format:   string(a.Format()),
		Trigger:  trigger,
	}, &res)
	return res, err
}

// SetAutoConvert switches auto-convert. Turning it on processes the images
// already on the page.
func (a *Agent) SetAutoConvert(ctx context.Context, enabled bool) {
	was := a.autoConvert.Swap(enabled)
	if enabled && !was {
		if _, err := a.Process(ctx); err != nil {
			log.Printf("[agent] reprocess after enabling auto-convert: %v", err)
		}
	}
}

func (a *Agent) AutoConvert() bool { return a.autoConvert.Load() }

func (a *Agent) Format() entities.Format {
	f, _ := a.format.Load().(entities.Format)
	return f.OrDefault()
}

// Listen handles pushes for this tab until ctx ends or the channel closes.
func (a *Agent) Listen(ctx context.Context, l messaging.Listener) error {
	ch, err := l.Listen(ctx, a.tabID)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-ch:
			if !ok {
				return nil
			}
			a.HandleMessage(ctx, n)
		}
	}
}

// HandleMessage reacts to one push from the coordinator.
func (a *Agent) HandleMessage(ctx context.Context, n messaging.Notification) {
	switch n.Action {
	case messaging.ActionShowError:
		var msg messaging.ShowError
		if decodeData(n.Data, &msg) == nil && msg.Message != "" {
			a.banner(ctx, msg.Message, true)
		}
	case messaging.ActionStatus:
		var st messaging.Status
		if decodeData(n.Data, &st) == nil && st.Message != "" {
			a.banner(ctx, st.Message, st.IsError)
		}
	case messaging.ActionPreferencesChanged:
		var p entities.UserPreferences
		if err := decodeData(n.Data, &p); err != nil {
			log.Printf("[agent] bad preferences push: %v", err)
			return
		}
		a.format.Store(p.PreferredFormat.OrDefault())
		a.SetAutoConvert(ctx, p.AutoConvert)
	}
}

// banner shows message and clears it after bannerFor unless a newer one replaced it.
func (a *Agent) banner(ctx context.Context, message string, isError bool) {
	a.mu.Lock()
	a.bannerSeq++
	seq := a.bannerSeq
	a.mu.Unlock()

	if err := a.doc.ShowStatus(ctx, message, isError); err != nil {
		log.Printf("[agent] show status: %v", err)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.sleep(ctx, a.bannerFor)
		a.mu.Lock()
		current := a.bannerSeq == seq
		a.mu.Unlock()
		if current {
			_ = a.doc.ShowStatus(ctx, "", false)
		}
	}()
}

func (a *Agent) setIndicator(ctx context.Context, img Image, text string) {
	if err := a.doc.SetIndicator(ctx, img, text); err != nil {
		log.Printf("[agent] indicator for %s: %v", img.Src, err)
	}
}

func (a *Agent) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Wait blocks until pending conversions and timers finish.
func (a *Agent) Wait() { a.wg.Wait() }

// Close stops observing the document.
func (a *Agent) Close() {
	a.mu.Lock()
	obs := a.observer
	a.observer = nil
	a.mu.Unlock()
	if obs != nil {
		obs.Unsubscribe()
	}
}

// decodeData accepts both typed in-process payloads and JSON-decoded maps.
func decodeData(data interface{}, dst interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

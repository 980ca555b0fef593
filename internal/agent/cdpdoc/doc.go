// Package cdpdoc is an agent.Document backed by a live browser tab driven
// over the DevTools protocol.
package cdpdoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/trunov/webpconv/internal/agent"
)

const (
	bindingAdded = "webpconvAdded"
	bindingClick = "webpconvClick"
)

var ErrUnknownImage = errors.New("image is not in the page")

// pageScript tags images, reports inserted ones and forwards clicks on
// intercepted images. Plain clicks never reach the page; modified clicks do.
const pageScript = `(() => {
  if (window.__webpconv) return;
  window.__webpconv = { next: 0 };
  const tag = (img) => {
    if (!img.dataset.webpconvId) img.dataset.webpconvId = String(++window.__webpconv.next);
    return { id: img.dataset.webpconvId, src: img.currentSrc || img.src };
  };
  window.__webpconv.tag = tag;
  const report = (node) => {
    if (node.nodeType !== 1) return;
    const imgs = node.tagName === 'IMG' ? [node] : Array.from(node.querySelectorAll('img[src]'));
    for (const img of imgs) {
      if (!img.getAttribute('src')) continue;
      window.` + bindingAdded + `(JSON.stringify(tag(img)));
    }
  };
  const start = () => {
    new MutationObserver((records) => {
      for (const r of records) r.addedNodes.forEach(report);
    }).observe(document.documentElement, { childList: true, subtree: true });
  };
  if (document.documentElement) start(); else document.addEventListener('DOMContentLoaded', start);
  document.addEventListener('click', (ev) => {
    const img = ev.target && ev.target.closest ? ev.target.closest('img[data-webp-handled]') : null;
    if (!img) return;
    const mods = { ctrl: ev.ctrlKey, meta: ev.metaKey, shift: ev.shiftKey, alt: ev.altKey };
    if (!(mods.ctrl || mods.meta || mods.shift || mods.alt)) {
      ev.preventDefault();
      ev.stopPropagation();
    }
    window.` + bindingClick + `(JSON.stringify(Object.assign({ id: img.dataset.webpconvId }, mods)));
  }, true);
})();`

type imageEvent struct {
	ID  string `json:"id"`
	Src string `json:"src"`
}

type clickEvent struct {
	ID    string `json:"id"`
	Ctrl  bool   `json:"ctrl"`
	Meta  bool   `json:"meta"`
	Shift bool   `json:"shift"`
	Alt   bool   `json:"alt"`
}

var _ agent.Document = (*Doc)(nil)

type Doc struct {
	ctx context.Context

	mu       sync.Mutex
	handlers map[string]func(agent.Click) bool
	subs     map[int]*subscription
	nextSub  int
}

type subscription struct {
	doc  *Doc
	id   int
	pred func(agent.Image) bool
	fn   func(agent.Image)
}

func (s *subscription) Unsubscribe() {
	s.doc.mu.Lock()
	delete(s.doc.subs, s.id)
	s.doc.mu.Unlock()
}

// NewBrowser starts a browser, or attaches to one when remoteURL is set.
func NewBrowser(ctx context.Context, remoteURL string, headless bool) (context.Context, context.CancelFunc) {
	if remoteURL != "" {
		allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, remoteURL)
		tabCtx, cancelTab := chromedp.NewContext(allocCtx)
		return tabCtx, func() { cancelTab(); cancelAlloc() }
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-extensions", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	return tabCtx, func() { cancelTab(); cancelAlloc() }
}

// Attach installs the page script in the tab behind ctx. It runs in the
// current document and in every document loaded later.
func Attach(ctx context.Context) (*Doc, error) {
	d := &Doc{
		ctx:      ctx,
		handlers: make(map[string]func(agent.Click) bool),
		subs:     make(map[int]*subscription),
	}

	chromedp.ListenTarget(ctx, func(ev interface{}) {
		e, ok := ev.(*runtime.EventBindingCalled)
		if !ok {
			return
		}
		// actions can't run on the event goroutine
		go d.onBinding(e.Name, e.Payload)
	})

	err := chromedp.Run(ctx,
		runtime.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := runtime.AddBinding(bindingAdded).Do(ctx); err != nil {
				return err
			}
			return runtime.AddBinding(bindingClick).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(pageScript).Do(ctx)
			return err
		}),
		chromedp.Evaluate(pageScript, nil),
	)
	if err != nil {
		return nil, fmt.Errorf("install page script: %w", err)
	}
	return d, nil
}

func (d *Doc) Navigate(url string) error {
	return chromedp.Run(d.ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery))
}

func (d *Doc) onBinding(name, payload string) {
	switch name {
	case bindingAdded:
		var ev imageEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			log.Printf("[cdpdoc] bad image event: %v", err)
			return
		}
		img := agent.Image{ID: ev.ID, Src: ev.Src}
		for _, s := range d.subscribers() {
			if s.pred == nil || s.pred(img) {
				s.fn(img)
			}
		}
	case bindingClick:
		var ev clickEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			log.Printf("[cdpdoc] bad click event: %v", err)
			return
		}
		d.mu.Lock()
		fn := d.handlers[ev.ID]
		d.mu.Unlock()
		if fn != nil {
			fn(agent.Click{Ctrl: ev.Ctrl, Meta: ev.Meta, Shift: ev.Shift, Alt: ev.Alt})
		}
	}
}

func (d *Doc) subscribers() []*subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*subscription, 0, len(d.subs))
	for _, s := range d.subs {
		out = append(out, s)
	}
	return out
}

func (d *Doc) Images(ctx context.Context) ([]agent.Image, error) {
	var found []imageEvent
	err := chromedp.Run(d.ctx, chromedp.Evaluate(
		`Array.from(document.querySelectorAll('img[src]')).map((img) => window.__webpconv.tag(img))`,
		&found,
	))
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	out := make([]agent.Image, 0, len(found))
	for _, f := range found {
		out = append(out, agent.Image{ID: f.ID, Src: f.Src})
	}
	return out, nil
}

func (d *Doc) OnElementAdded(pred func(agent.Image) bool, fn func(agent.Image)) agent.Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSub++
	s := &subscription{doc: d, id: d.nextSub, pred: pred, fn: fn}
	d.subs[s.id] = s
	return s
}

func (d *Doc) Intercept(ctx context.Context, img agent.Image, fn func(agent.Click) bool) error {
	var ok bool
	err := chromedp.Run(d.ctx, chromedp.Evaluate(fmt.Sprintf(`(() => {
  const img = document.querySelector('img[data-webpconv-id=%s]');
  if (!img) return false;
  img.dataset.webpHandled = 'true';
  img.style.cursor = 'pointer';
  return true;
})()`, jsString(img.ID)), &ok))
	if err != nil {
		return fmt.Errorf("intercept %s: %w", img.ID, err)
	}
	if !ok {
		return ErrUnknownImage
	}
	d.mu.Lock()
	d.handlers[img.ID] = fn
	d.mu.Unlock()
	return nil
}

func (d *Doc) SetIndicator(ctx context.Context, img agent.Image, text string) error {
	var ok bool
	err := chromedp.Run(d.ctx, chromedp.Evaluate(fmt.Sprintf(`(() => {
  const img = document.querySelector('img[data-webpconv-id=%s]');
  if (!img) return false;
  img.title = %s;
  img.dataset.webpIndicator = %s;
  return true;
})()`, jsString(img.ID), jsString(text), jsString(text)), &ok))
	if err != nil {
		return fmt.Errorf("indicator %s: %w", img.ID, err)
	}
	if !ok {
		return ErrUnknownImage
	}
	return nil
}

// ShowStatus shows a fixed banner at the top of the page. An empty message removes it.
func (d *Doc) ShowStatus(ctx context.Context, message string, isError bool) error {
	bg := "#2e7d32"
	if isError {
		bg = "#c62828"
	}
	return chromedp.Run(d.ctx, chromedp.Evaluate(fmt.Sprintf(`(() => {
  let el = document.getElementById('webpconv-status');
  const msg = %s;
  if (!msg) { if (el) el.remove(); return; }
  if (!el) {
    el = document.createElement('div');
    el.id = 'webpconv-status';
    el.style.cssText = 'position:fixed;top:12px;right:12px;z-index:2147483647;padding:8px 14px;border-radius:4px;color:#fff;font:14px sans-serif';
    document.body.appendChild(el);
  }
  el.style.background = %s;
  el.textContent = msg;
})()`, jsString(message), jsString(bg)), nil))
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

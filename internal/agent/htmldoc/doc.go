// Package htmldoc is an agent.Document over a parsed HTML page. It drives the
// agent for static pages and for tests.
package htmldoc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"github.com/trunov/webpconv/internal/agent"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	attrID        = "data-webpconv-id"
	attrHandled   = "data-webp-handled"
	attrIndicator = "data-webp-indicator"
)

var (
	imgSelector  = cascadia.MustCompile("img[src]")
	bodySelector = cascadia.MustCompile("body")

	ErrUnknownImage = errors.New("image is not in the document")
)

var _ agent.Document = (*Doc)(nil)

type Status struct {
	Message string
	IsError bool
}

type Doc struct {
	mu       sync.Mutex
	root     *html.Node
	base     *url.URL
	nodes    map[string]*html.Node
	nextID   int
	handlers map[string]func(agent.Click) bool
	subs     map[int]*subscription
	nextSub  int
	status   []Status
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

// Parse reads a page. Relative image sources resolve against base.
func Parse(r io.Reader, base string) (*Doc, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	d := &Doc{
		root:     root,
		nodes:    make(map[string]*html.Node),
		handlers: make(map[string]func(agent.Click) bool),
		subs:     make(map[int]*subscription),
	}
	if base != "" {
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		d.base = u
	}
	return d, nil
}

func (d *Doc) Images(_ context.Context) ([]agent.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nodes := cascadia.QueryAll(d.root, imgSelector)
	out := make([]agent.Image, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, d.imageLocked(n))
	}
	return out, nil
}

func (d *Doc) imageLocked(n *html.Node) agent.Image {
	id := attr(n, attrID)
	if id == "" {
		d.nextID++
		id = strconv.Itoa(d.nextID)
		setAttr(n, attrID, id)
	}
	d.nodes[id] = n
	return agent.Image{ID: id, Src: d.resolve(attr(n, "src"))}
}

func (d *Doc) resolve(src string) string {
	if d.base == nil {
		return src
	}
	u, err := d.base.Parse(strings.TrimSpace(src))
	if err != nil {
		return src
	}
	return u.String()
}

func (d *Doc) OnElementAdded(pred func(agent.Image) bool, fn func(agent.Image)) agent.Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextSub++
	s := &subscription{doc: d, id: d.nextSub, pred: pred, fn: fn}
	d.subs[s.id] = s
	return s
}

// Insert parses fragment and appends it to the first element matching
// parent (body when empty). Subscribers hear about every inserted image.
func (d *Doc) Insert(parent, fragment string) ([]agent.Image, error) {
	sel := bodySelector
	if parent != "" {
		s, err := cascadia.Compile(parent)
		if err != nil {
			return nil, fmt.Errorf("parent selector: %w", err)
		}
		sel = s
	}

	d.mu.Lock()
	target := cascadia.Query(d.root, sel)
	if target == nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("no element matches %q", parent)
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("parse fragment: %w", err)
	}

	var added []agent.Image
	for _, n := range nodes {
		target.AppendChild(n)
		for _, img := range matchSelf(n) {
			added = append(added, d.imageLocked(img))
		}
	}
	subs := make([]*subscription, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.Unlock()

	for _, img := range added {
		for _, s := range subs {
			if s.pred == nil || s.pred(img) {
				s.fn(img)
			}
		}
	}
	return added, nil
}

func matchSelf(n *html.Node) []*html.Node {
	found := cascadia.QueryAll(n, imgSelector)
	if n.Type == html.ElementNode && imgSelector.Match(n) {
		return append([]*html.Node{n}, found...)
	}
	return found
}

func (d *Doc) Intercept(_ context.Context, img agent.Image, fn func(agent.Click) bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[img.ID]
	if !ok {
		return ErrUnknownImage
	}
	d.handlers[img.ID] = fn
	setAttr(n, attrHandled, "true")
	return nil
}

// Click dispatches a synthetic click. It reports whether a handler prevented
// the default action.
func (d *Doc) Click(id string, c agent.Click) bool {
	d.mu.Lock()
	fn := d.handlers[id]
	d.mu.Unlock()
	if fn == nil {
		return false
	}
	return fn(c)
}

func (d *Doc) SetIndicator(_ context.Context, img agent.Image, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[img.ID]
	if !ok {
		return ErrUnknownImage
	}
	setAttr(n, attrIndicator, text)
	return nil
}

func (d *Doc) Indicator(id string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[id]; ok {
		return attr(n, attrIndicator)
	}
	return ""
}

func (d *Doc) Handled(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	return ok && attr(n, attrHandled) == "true"
}

// ShowStatus records the banner. An empty message clears it.
func (d *Doc) ShowStatus(_ context.Context, message string, isError bool) error {
	d.mu.Lock()
	d.status = append(d.status, Status{Message: message, IsError: isError})
	d.mu.Unlock()
	return nil
}

// Banner returns the banner currently shown.
func (d *Doc) Banner() (Status, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.status) == 0 || d.status[len(d.status)-1].Message == "" {
		return Status{}, false
	}
	return d.status[len(d.status)-1], true
}

func (d *Doc) StatusLog() []Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Status(nil), d.status...)
}

func (d *Doc) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.root)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

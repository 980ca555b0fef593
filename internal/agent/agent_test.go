package agent_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trunov/webpconv/internal/agent"
	"github.com/trunov/webpconv/internal/agent/htmldoc"
	"github.com/trunov/webpconv/internal/entities"
	"github.com/trunov/webpconv/internal/messaging"
)

const page = `<html><body>
<img src="https://site.test/a.webp">
<img src="https://site.test/photo.jpg">
<img src="https://cdn.test/render?format=webp&id=7">
<div id="feed"></div>
</body></html>`

type fakeClient struct {
	mu       sync.Mutex
	requests []messaging.ConvertRequest
	gate     chan struct{}
	result   func(messaging.ConvertRequest) messaging.ConvertResult
}

func (f *fakeClient) Send(ctx context.Context, _ int, action string, msg, reply interface{}) error {
	req, ok := msg.(messaging.ConvertRequest)
	if !ok || action != messaging.ActionConvertWebP {
		return nil
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	res := messaging.ConvertResult{Success: true}
	if f.result != nil {
		res = f.result(req)
	}
	raw, _ := json.Marshal(res)
	return json.Unmarshal(raw, reply)
}

func (f *fakeClient) sent() []messaging.ConvertRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]messaging.ConvertRequest(nil), f.requests...)
}

func setup(t *testing.T, client *fakeClient, opts agent.Options) (*agent.Agent, *htmldoc.Doc) {
	t.Helper()
	doc, err := htmldoc.Parse(strings.NewReader(page), "https://site.test/")
	require.NoError(t, err)
	opts.TabID = 7
	a := agent.New(doc, client, opts)
	t.Cleanup(a.Close)
	return a, doc
}

func TestScanFiltersConvertible(t *testing.T) {
	a, _ := setup(t, &fakeClient{}, agent.Options{})
	imgs, err := a.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, "https://site.test/a.webp", imgs[0].Src)
	assert.Equal(t, "https://cdn.test/render?format=webp&id=7", imgs[1].Src)
}

func TestProcessAttachesOnce(t *testing.T) {
	a, doc := setup(t, &fakeClient{}, agent.Options{})
	ctx := context.Background()

	imgs, err := a.Process(ctx)
	require.NoError(t, err)
	for _, img := range imgs {
		assert.True(t, doc.Handled(img.ID))
		assert.Equal(t, agent.IndicatorIdle, doc.Indicator(img.ID))
	}

	attached, err := a.Attach(ctx, imgs[0])
	require.NoError(t, err)
	assert.False(t, attached)

	all, err := doc.Images(ctx)
	require.NoError(t, err)
	for _, img := range all {
		if img.Src == "https://site.test/photo.jpg" {
			assert.False(t, doc.Handled(img.ID))
		}
	}
}

func TestClickConverts(t *testing.T) {
	client := &fakeClient{}
	a, doc := setup(t, client, agent.Options{Format: entities.FormatPNG})
	imgs, err := a.Process(context.Background())
	require.NoError(t, err)

	assert.True(t, doc.Click(imgs[0].ID, agent.Click{}))
	a.Wait()

	sent := client.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, messaging.ConvertRequest{
		ImageURL: "https://site.test/a.webp",
		Format:   "png",
		Trigger:  entities.TriggerPageClick,
	}, sent[0])
	assert.Equal(t, agent.IndicatorIdle, doc.Indicator(imgs[0].ID))
}

func TestModifiedClickPassesThrough(t *testing.T) {
	client := &fakeClient{}
	a, doc := setup(t, client, agent.Options{})
	imgs, err := a.Process(context.Background())
	require.NoError(t, err)

	for _, c := range []agent.Click{{Ctrl: true}, {Meta: true}, {Shift: true}, {Alt: true}} {
		assert.False(t, doc.Click(imgs[0].ID, c))
	}
	a.Wait()
	assert.Empty(t, client.sent())
}

func TestClickWhileConvertingIsAbsorbed(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	a, doc := setup(t, client, agent.Options{})
	imgs, err := a.Process(context.Background())
	require.NoError(t, err)
	id := imgs[0].ID

	assert.True(t, doc.Click(id, agent.Click{}))
	require.Eventually(t, func() bool { return doc.Indicator(id) == agent.IndicatorConverting }, time.Second, 5*time.Millisecond)
	assert.True(t, doc.Click(id, agent.Click{}))

	close(client.gate)
	a.Wait()
	assert.Len(t, client.sent(), 1)
	assert.Equal(t, agent.IndicatorIdle, doc.Indicator(id))
}

func TestFailedIndicatorReverts(t *testing.T) {
	client := &fakeClient{
		gate: make(chan struct{}),
		result: func(messaging.ConvertRequest) messaging.ConvertResult {
			return messaging.ConvertResult{Error: "Conversion failed. Please try again.", Reason: "fetch_failure"}
		},
	}
	a, doc := setup(t, client, agent.Options{FailedFor: 50 * time.Millisecond})
	imgs, err := a.Process(context.Background())
	require.NoError(t, err)
	id := imgs[0].ID

	doc.Click(id, agent.Click{})
	close(client.gate)
	require.Eventually(t, func() bool { return doc.Indicator(id) == agent.IndicatorFailed }, time.Second, 2*time.Millisecond)
	a.Wait()
	assert.Equal(t, agent.IndicatorIdle, doc.Indicator(id))
}

func TestAutoConvertOnStartAndInsert(t *testing.T) {
	client := &fakeClient{}
	a, doc := setup(t, client, agent.Options{AutoConvert: true})
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	a.Wait()
	require.Len(t, client.sent(), 2)
	for _, r := range client.sent() {
		assert.Equal(t, entities.TriggerAutoDetect, r.Trigger)
		assert.Equal(t, "jpg", r.Format)
	}

	_, err := doc.Insert("#feed", `<img src="/late.webp"><img src="/late.png">`)
	require.NoError(t, err)
	a.Wait()

	sent := client.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "https://site.test/late.webp", sent[2].ImageURL)
}

func TestAutoConvertDuplicateIsQuiet(t *testing.T) {
	client := &fakeClient{result: func(messaging.ConvertRequest) messaging.ConvertResult {
		return messaging.ConvertResult{Reason: "duplicate_in_progress"}
	}}
	a, doc := setup(t, client, agent.Options{AutoConvert: true})
	require.NoError(t, a.Start(context.Background()))
	a.Wait()

	assert.Len(t, client.sent(), 2)
	assert.Empty(t, doc.StatusLog())
}

func TestEnablingAutoConvertReprocesses(t *testing.T) {
	client := &fakeClient{}
	a, _ := setup(t, client, agent.Options{})
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	a.Wait()
	assert.Empty(t, client.sent())

	a.SetAutoConvert(ctx, true)
	a.Wait()
	assert.Len(t, client.sent(), 2)

	a.SetAutoConvert(ctx, true)
	a.Wait()
	assert.Len(t, client.sent(), 2, "already on")

	a.SetAutoConvert(ctx, false)
	a.SetAutoConvert(ctx, true)
	a.Wait()
	assert.Len(t, client.sent(), 2, "elements already auto-converted stay done")
}

func TestShowErrorBanner(t *testing.T) {
	a, doc := setup(t, &fakeClient{}, agent.Options{BannerFor: 30 * time.Millisecond})
	ctx := context.Background()

	a.HandleMessage(ctx, messaging.Notification{
		Action: messaging.ActionShowError,
		Data:   messaging.ShowError{Message: "This is not a WebP image"},
	})
	b, ok := doc.Banner()
	require.True(t, ok)
	assert.Equal(t, htmldoc.Status{Message: "This is not a WebP image", IsError: true}, b)

	a.Wait()
	_, ok = doc.Banner()
	assert.False(t, ok)
}

func TestNewerBannerIsNotCleared(t *testing.T) {
	a, doc := setup(t, &fakeClient{}, agent.Options{BannerFor: 40 * time.Millisecond})
	ctx := context.Background()

	a.HandleMessage(ctx, messaging.Notification{Action: messaging.ActionStatus, Data: messaging.Status{Message: "first"}})
	time.Sleep(25 * time.Millisecond)
	a.HandleMessage(ctx, messaging.Notification{Action: messaging.ActionStatus, Data: messaging.Status{Message: "second"}})

	require.Eventually(t, func() bool { return len(doc.StatusLog()) >= 2 }, time.Second, time.Millisecond)
	time.Sleep(25 * time.Millisecond)
	b, ok := doc.Banner()
	require.True(t, ok, "first timer must not clear the second banner")
	assert.Equal(t, "second", b.Message)
	a.Wait()
}

func TestPreferencesPushFromJSON(t *testing.T) {
	client := &fakeClient{}
	a, _ := setup(t, client, agent.Options{})
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	// pushes arriving over the websocket decode to plain maps
	a.HandleMessage(ctx, messaging.Notification{
		Action: messaging.ActionPreferencesChanged,
		Data:   map[string]interface{}{"autoConvert": true, "preferredFormat": "png"},
	})
	a.Wait()

	assert.True(t, a.AutoConvert())
	assert.Equal(t, entities.FormatPNG, a.Format())
	sent := client.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "png", sent[0].Format)
}

func TestListenLocal(t *testing.T) {
	hub := messaging.NewHub()
	a, doc := setup(t, &fakeClient{}, agent.Options{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- a.Listen(ctx, messaging.LocalListener{Hub: hub}) }()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, time.Millisecond)
	hub.Publish(messaging.Notification{Action: messaging.ActionStatus, TabID: 99, Data: messaging.Status{Message: "other tab"}})
	hub.Publish(messaging.Notification{Action: messaging.ActionStatus, TabID: 7, Data: messaging.Status{Message: "mine"}})

	require.Eventually(t, func() bool {
		b, ok := doc.Banner()
		return ok && b.Message == "mine"
	}, time.Second, time.Millisecond)
	assert.Len(t, doc.StatusLog(), 1)

	cancel()
	require.NoError(t, <-done)
}

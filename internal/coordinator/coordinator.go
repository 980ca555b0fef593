// Package coordinator owns the conversion pipeline: it accepts triggers,
// guarantees one running conversion per source, and delivers the result.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/trunov/webpconv/internal/downloads"
	"github.com/trunov/webpconv/internal/entities"
	"github.com/trunov/webpconv/internal/inflight"
	"github.com/trunov/webpconv/internal/messaging"
	"github.com/trunov/webpconv/internal/metrics"
	"github.com/trunov/webpconv/internal/queue"
	"github.com/trunov/webpconv/internal/sourceurl"
)

// Messages shown in pages.
const (
	MsgNotWebP          = "This is not a WebP image"
	MsgConverted        = "Converted! Choose where to save."
	MsgConversionFailed = "Conversion failed. Please try again."
	MsgDownloadFailed   = "Download failed. Please try again."
	MsgAlreadyRunning   = "This image is already being converted."
)

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, string, error)
}

type Converter interface {
	Decode(data []byte) (image.Image, error)
	Encode(img image.Image, f entities.Format) ([]byte, error)
}

type Downloader interface {
	Download(ctx context.Context, opts downloads.Options) (downloads.Item, error)
}

type History interface {
	Record(ctx context.Context, entry entities.RecentConversionEntry) ([]entities.RecentConversionEntry, error)
	List(ctx context.Context) ([]entities.RecentConversionEntry, error)
	Clear(ctx context.Context) error
}

type Preferences interface {
	Get() entities.UserPreferences
	Update(ctx context.Context, p entities.UserPreferences) (entities.UserPreferences, error)
	Modify(ctx context.Context, fn func(entities.UserPreferences) entities.UserPreferences) (entities.UserPreferences, error)
	SetAutoConvert(ctx context.Context, enabled bool) (entities.UserPreferences, error)
	SetPreferredFormat(ctx context.Context, f entities.Format) (entities.UserPreferences, error)
}

type Publisher interface {
	Publish(n messaging.Notification)
}

// Deps are the collaborators a Coordinator drives. Queue may be nil, which
// turns download interception off.
type Deps struct {
	InFlight   *inflight.Set
	Fetcher    Fetcher
	Converter  Converter
	Downloads  Downloader
	History    History
	Prefs      Preferences
	Publisher  Publisher
	Queue      queue.Enqueuer
	Blobs      BlobTaker
	Metrics    *metrics.Metrics
	Now        func() time.Time
	SweepEvery time.Duration
}

// Outcome describes a delivered conversion.
type Outcome struct {
	SourceURL  string
	Filename   string
	DownloadID int
}

// Decision is the answer to a starting download.
type Decision struct {
	CancelOriginal bool
	Replacement    *entities.ConversionRequest
	// Reason explains a deferral.
	Reason string
}

type Coordinator struct {
	inflight  *inflight.Set
	fetcher   Fetcher
	conv      Converter
	downloads Downloader
	history   History
	prefs     Preferences
	pub       Publisher
	queue     queue.Enqueuer
	blobs     BlobTaker
	metrics   *metrics.Metrics
	now       func() time.Time
	sweep     time.Duration

	// leases held for queued replacements, by download id
	queuedMu sync.Mutex
	queued   map[int]*inflight.Lease
}

func New(d Deps) *Coordinator {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.InFlight == nil {
		d.InFlight = inflight.New(inflight.DefaultStaleAfter, d.Now)
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New(nil)
	}
	return &Coordinator{
		inflight:  d.InFlight,
		fetcher:   d.Fetcher,
		conv:      d.Converter,
		downloads: d.Downloads,
		history:   d.History,
		prefs:     d.Prefs,
		pub:       d.Publisher,
		queue:     d.Queue,
		blobs:     d.Blobs,
		metrics:   d.Metrics,
		now:       d.Now,
		sweep:     d.SweepEvery,
		queued:    make(map[int]*inflight.Lease),
	}
}

// Run sweeps stale in-flight entries until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	c.inflight.Run(ctx, c.sweep, func(n int) { c.metrics.Swept.Add(float64(n)) })
}

func (c *Coordinator) InFlight() []inflight.Entry {
	return c.inflight.Snapshot()
}

// RequestConversion validates the source and runs the pipeline to completion.
// Non-WebP sources are rejected before anything is fetched or tracked.
func (c *Coordinator) RequestConversion(ctx context.Context, req entities.ConversionRequest) (Outcome, error) {
	if req.SourceURL == "" || !sourceurl.IsConvertible(req.SourceURL) {
		c.metrics.ObserveConversion(string(req.Trigger), Reason(ErrNotConvertibleSource))
		c.showError(req.TabID, MsgNotWebP)
		return Outcome{}, &ConversionError{Kind: ErrNotConvertibleSource, SourceURL: req.SourceURL}
	}
	return c.start(ctx, req)
}

func (c *Coordinator) start(ctx context.Context, req entities.ConversionRequest) (Outcome, error) {
	lease, ok := c.inflight.Acquire(req.Key())
	if !ok {
		c.metrics.ObserveConversion(string(req.Trigger), Reason(ErrDuplicateInProgress))
		if req.Trigger.Manual() {
			c.status(req.TabID, MsgAlreadyRunning, true)
		}
		return Outcome{}, &ConversionError{Kind: ErrDuplicateInProgress, SourceURL: req.SourceURL}
	}
	return c.runLeased(ctx, req, lease)
}

func (c *Coordinator) runLeased(ctx context.Context, req entities.ConversionRequest, lease *inflight.Lease) (Outcome, error) {
	defer lease.Release()
	lease.SetState(inflight.StateFetching)

	// a started conversion runs to completion even if the caller goes away
	return c.run(context.WithoutCancel(ctx), uuid.NewString()[:8], req, lease)
}

func (c *Coordinator) run(ctx context.Context, runID string, req entities.ConversionRequest, lease *inflight.Lease) (out Outcome, err error) {
	started := c.now()
	stage := inflight.StateFetching
	c.metrics.InFlight.Inc()
	defer c.metrics.InFlight.Dec()

	var delivered Outcome
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if stage == inflight.StateRecording {
			// the file is saved; only the history entry is lost
			log.Printf("[%s] panic while %s: %v", runID, stage, r)
			sentry.CaptureException(fmt.Errorf("record %s: panic: %v", req.SourceURL, r))
			c.metrics.ObserveConversion(string(req.Trigger), "success")
			c.status(req.TabID, MsgConverted, false)
			out, err = delivered, nil
			return
		}
		out = Outcome{}
		err = c.fail(runID, req, stage, fmt.Errorf("panic: %v", r))
	}()

	req.TargetFormat = req.TargetFormat.OrDefault()
	filename := req.Filename
	if filename == "" {
		filename = sourceurl.FilenameOrFallback(req.SourceURL, req.TargetFormat, started)
	}
	log.Printf("[%s] converting %s to %s as %s (%s)", runID, req.SourceURL, req.TargetFormat, filename, req.Trigger)

	data, _, err := c.fetcher.Fetch(ctx, req.SourceURL)
	if err != nil {
		return Outcome{}, c.fail(runID, req, stage, err)
	}

	stage = inflight.StateDecoding
	lease.SetState(stage)
	img, err := c.conv.Decode(data)
	if err != nil {
		return Outcome{}, c.fail(runID, req, stage, err)
	}

	stage = inflight.StateEncoding
	lease.SetState(stage)
	encoded, err := c.conv.Encode(img, req.TargetFormat)
	if err != nil {
		return Outcome{}, c.fail(runID, req, stage, err)
	}

	stage = inflight.StateDelivering
	lease.SetState(stage)
	item, err := c.downloads.Download(ctx, downloads.Options{
		Data:     encoded,
		Filename: filename,
		Mime:     req.TargetFormat.MimeType(),
		SaveAs:   true,
	})
	if err != nil {
		return Outcome{}, c.fail(runID, req, stage, err)
	}

	delivered = Outcome{SourceURL: req.SourceURL, Filename: filename, DownloadID: item.ID}
	stage = inflight.StateRecording
	lease.SetState(stage)
	c.RecordHistory(ctx, entities.RecentConversionEntry{
		OriginalURL:       req.SourceURL,
		ConvertedFilename: filename,
		Timestamp:         c.now().UnixMilli(),
	})

	c.metrics.ObserveConversion(string(req.Trigger), "success")
	c.metrics.ObserveDuration(string(req.TargetFormat), c.now().Sub(started))
	c.status(req.TabID, MsgConverted, false)
	log.Printf("[%s] delivered %s as download #%d", runID, filename, item.ID)

	return delivered, nil
}

func (c *Coordinator) fail(runID string, req entities.ConversionRequest, stage inflight.State, cause error) error {
	kind := kindForStage(stage)
	err := &ConversionError{Kind: kind, SourceURL: req.SourceURL, Err: cause}

	log.Printf("[%s] %s failed while %s: %v", runID, req.SourceURL, stage, cause)
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("run_id", runID)
		scope.SetTag("stage", string(stage))
		scope.SetTag("trigger", string(req.Trigger))
		scope.SetExtra("source_url", req.SourceURL)
		sentry.CaptureException(err)
	})
	c.metrics.ObserveConversion(string(req.Trigger), Reason(kind))

	msg := MsgConversionFailed
	if errors.Is(kind, ErrDeliveryFailure) {
		msg = MsgDownloadFailed
	}
	c.status(req.TabID, msg, true)
	return err
}

// RecordHistory stores entry at the head of the recent list. Failures are
// logged only: the file is already delivered.
func (c *Coordinator) RecordHistory(ctx context.Context, entry entities.RecentConversionEntry) {
	if c.history == nil {
		return
	}
	if _, err := c.history.Record(ctx, entry); err != nil {
		log.Printf("[coordinator] recording %s: %v", entry.OriginalURL, err)
		sentry.CaptureException(err)
	}
}

// InterceptDownload decides whether a starting download is replaced by a
// conversion. Any doubt leaves the original download alone.
func (c *Coordinator) InterceptDownload(ctx context.Context, d entities.DownloadDescriptor) Decision {
	decision := c.intercept(ctx, d)
	if decision.CancelOriginal {
		c.metrics.ObserveIntercept("cancelled")
	} else {
		c.metrics.ObserveIntercept(decision.Reason)
	}
	return decision
}

func (c *Coordinator) intercept(ctx context.Context, d entities.DownloadDescriptor) Decision {
	if c.queue == nil || c.prefs == nil {
		return Decision{Reason: "disabled"}
	}
	p := c.prefs.Get()
	if !p.AutoConvert {
		return Decision{Reason: "auto_convert_off"}
	}
	src := d.SourceURL()
	if !sourceurl.IsConvertible(src) && !sourceurl.IsWebPMime(d.Mime) {
		return Decision{Reason: "not_webp"}
	}
	// the lease is taken before the original is cancelled and held until
	// the queued replacement runs
	lease, ok := c.inflight.Acquire(src)
	if !ok {
		return Decision{Reason: "in_flight"}
	}
	lease.SetState(inflight.StateQueued)

	// the name must be known before the platform settles on its own
	filename, err := sourceurl.Filename(src, p.PreferredFormat, c.now())
	if err != nil {
		lease.Release()
		log.Printf("[coordinator] download #%d: %v; keeping original", d.ID, err)
		return Decision{Reason: "filename"}
	}

	req := entities.ConversionRequest{
		SourceURL:    src,
		TargetFormat: p.PreferredFormat.OrDefault(),
		Trigger:      entities.TriggerDownloadIntercept,
		Filename:     filename,
	}
	c.park(d.ID, lease)
	err = c.queue.Enqueue(ctx, queue.InterceptJob{
		DownloadID: d.ID,
		SourceURL:  req.SourceURL,
		Format:     req.TargetFormat,
		Filename:   req.Filename,
	})
	if err != nil {
		if l := c.unpark(d.ID); l != nil {
			l.Release()
		}
		log.Printf("[coordinator] download #%d: enqueue replacement: %v; keeping original", d.ID, err)
		return Decision{Reason: "queue"}
	}

	log.Printf("[coordinator] download #%d of %s replaced by %s", d.ID, src, filename)
	return Decision{CancelOriginal: true, Replacement: &req}
}

func (c *Coordinator) park(downloadID int, lease *inflight.Lease) {
	c.queuedMu.Lock()
	c.queued[downloadID] = lease
	c.queuedMu.Unlock()
}

func (c *Coordinator) unpark(downloadID int) *inflight.Lease {
	c.queuedMu.Lock()
	defer c.queuedMu.Unlock()
	lease, ok := c.queued[downloadID]
	if !ok {
		return nil
	}
	delete(c.queued, downloadID)
	return lease
}

// HandleInterceptJob runs a queued replacement conversion under the lease
// taken when its download was intercepted. The URL was already judged
// convertible when the job was queued.
func (c *Coordinator) HandleInterceptJob(ctx context.Context, job queue.InterceptJob) error {
	req := entities.ConversionRequest{
		SourceURL:    job.SourceURL,
		TargetFormat: job.Format,
		Trigger:      entities.TriggerDownloadIntercept,
		Filename:     job.Filename,
	}
	if lease := c.unpark(job.DownloadID); lease != nil {
		_, err := c.runLeased(ctx, req, lease)
		return err
	}
	_, err := c.start(ctx, req)
	return err
}

// Preferences returns the cached preferences.
func (c *Coordinator) Preferences() entities.UserPreferences {
	if c.prefs == nil {
		return entities.DefaultPreferences()
	}
	return c.prefs.Get()
}

func (c *Coordinator) UpdatePreferences(ctx context.Context, p entities.UserPreferences) (entities.UserPreferences, error) {
	return c.prefs.Update(ctx, p)
}

// ModifyPreferences applies fn to the current preferences, serialized with
// every other preference write.
func (c *Coordinator) ModifyPreferences(ctx context.Context, fn func(entities.UserPreferences) entities.UserPreferences) (entities.UserPreferences, error) {
	return c.prefs.Modify(ctx, fn)
}

func (c *Coordinator) SetPreferredFormat(ctx context.Context, f entities.Format) (entities.UserPreferences, error) {
	return c.prefs.SetPreferredFormat(ctx, f)
}

func (c *Coordinator) ClearHistory(ctx context.Context) error {
	if c.history == nil {
		return nil
	}
	return c.history.Clear(ctx)
}

func (c *Coordinator) RecentConversions(ctx context.Context) ([]entities.RecentConversionEntry, error) {
	if c.history == nil {
		return []entities.RecentConversionEntry{}, nil
	}
	return c.history.List(ctx)
}

func (c *Coordinator) status(tabID int, msg string, isError bool) {
	if c.pub == nil || tabID == 0 {
		return
	}
	c.pub.Publish(messaging.Notification{
		Action: messaging.ActionStatus,
		TabID:  tabID,
		Data:   messaging.Status{Message: msg, IsError: isError},
	})
}

func (c *Coordinator) showError(tabID int, msg string) {
	if c.pub == nil || tabID == 0 {
		return
	}
	c.pub.Publish(messaging.Notification{
		Action: messaging.ActionShowError,
		TabID:  tabID,
		Data:   messaging.ShowError{Message: msg},
	})
}

package coordinator

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/trunov/webpconv/internal/downloads"
	"github.com/trunov/webpconv/internal/entities"
	"github.com/trunov/webpconv/internal/inflight"
	"github.com/trunov/webpconv/internal/messaging"
	"github.com/trunov/webpconv/internal/redismanager"
	"github.com/trunov/webpconv/internal/sourceurl"
	webp_converter "github.com/trunov/webpconv/internal/webp-converter"
)

type BlobTaker interface {
	Take(ctx context.Context, ref string) (redismanager.Blob, error)
}

// Register wires the request actions on bus.
func (c *Coordinator) Register(bus *messaging.Bus) {
	messaging.Register(bus, messaging.ActionConvertWebP, func(ctx context.Context, tabID int, msg messaging.ConvertRequest) (interface{}, error) {
		return c.handleConvert(ctx, tabID, msg), nil
	})
	messaging.Register(bus, messaging.ActionShowError, func(_ context.Context, tabID int, msg messaging.ShowError) (interface{}, error) {
		c.showError(tabID, msg.Message)
		return messaging.Ack{Success: true}, nil
	})
	messaging.Register(bus, messaging.ActionDownloadConverted, func(ctx context.Context, tabID int, msg messaging.DownloadConverted) (interface{}, error) {
		return c.DownloadConverted(ctx, tabID, msg), nil
	})
	messaging.Register(bus, messaging.ActionUpdateAutoConvert, func(ctx context.Context, _ int, msg messaging.UpdateAutoConvert) (interface{}, error) {
		if _, err := c.prefs.SetAutoConvert(ctx, msg.Enabled); err != nil {
			return nil, err
		}
		return messaging.Ack{Success: true}, nil
	})
}

func (c *Coordinator) handleConvert(ctx context.Context, tabID int, msg messaging.ConvertRequest) messaging.ConvertResult {
	format, err := entities.ParseFormat(msg.Format)
	if err != nil {
		return messaging.ConvertResult{Error: err.Error(), Reason: "invalid_format"}
	}
	// an unusable filename is dropped and one is derived from the URL
	trigger := msg.Trigger
	if trigger == "" {
		trigger = entities.TriggerPageClick
	}

	out, err := c.RequestConversion(ctx, entities.ConversionRequest{
		SourceURL:    msg.ImageURL,
		TargetFormat: format,
		Trigger:      trigger,
		TabID:        tabID,
		Filename:     sourceurl.WithFormat(msg.Filename, format),
	})
	if err != nil {
		return messaging.ConvertResult{Error: err.Error(), Reason: Reason(err)}
	}
	return messaging.ConvertResult{Success: true, Filename: out.Filename, DownloadID: out.DownloadID}
}

// ContextMenu handles a "Convert to <format>" menu click on an image.
func (c *Coordinator) ContextMenu(ctx context.Context, format entities.Format, srcURL string, tabID int) (Outcome, error) {
	return c.RequestConversion(ctx, entities.ConversionRequest{
		SourceURL:    srcURL,
		TargetFormat: format,
		Trigger:      entities.TriggerContextMenu,
		TabID:        tabID,
	})
}

// DownloadConverted delivers bytes a page already encoded and uploaded as a blob.
func (c *Coordinator) DownloadConverted(ctx context.Context, tabID int, msg messaging.DownloadConverted) messaging.DownloadResult {
	lease, ok := c.inflight.Acquire(msg.OriginalURL)
	if !ok {
		return messaging.DownloadResult{Error: ErrDuplicateInProgress.Error()}
	}
	defer lease.Release()
	lease.SetState(inflight.StateDelivering)

	res, err := c.deliverBlob(ctx, msg)
	if err != nil {
		log.Printf("[coordinator] downloadConverted %s: %v", msg.OriginalURL, err)
		c.metrics.ObserveConversion(string(entities.TriggerPageClick), Reason(ErrDeliveryFailure))
		c.status(tabID, MsgDownloadFailed, true)
		return messaging.DownloadResult{Error: err.Error()}
	}

	lease.SetState(inflight.StateRecording)
	c.RecordHistory(ctx, entities.RecentConversionEntry{
		OriginalURL:       msg.OriginalURL,
		ConvertedFilename: res.Filename,
		Timestamp:         c.now().UnixMilli(),
	})
	c.metrics.ObserveConversion(string(entities.TriggerPageClick), "success")
	c.status(tabID, MsgConverted, false)
	return messaging.DownloadResult{Success: true, DownloadID: res.ID}
}

func (c *Coordinator) deliverBlob(ctx context.Context, msg messaging.DownloadConverted) (downloads.Item, error) {
	if c.blobs == nil {
		return downloads.Item{}, fmt.Errorf("%w: blob uploads disabled", ErrDeliveryFailure)
	}
	blob, err := c.blobs.Take(ctx, msg.ConvertedBytesRef)
	if err != nil {
		return downloads.Item{}, &ConversionError{Kind: ErrDeliveryFailure, SourceURL: msg.OriginalURL, Err: err}
	}

	mt := webp_converter.Sniff(blob.Data)
	var format entities.Format
	switch {
	case strings.HasPrefix(mt, "image/png"):
		format = entities.FormatPNG
	case strings.HasPrefix(mt, "image/jpeg"):
		format = entities.FormatJPG
	default:
		return downloads.Item{}, &ConversionError{Kind: ErrDeliveryFailure, SourceURL: msg.OriginalURL, Err: fmt.Errorf("blob is %s, want jpeg or png", mt)}
	}

	filename := msg.Filename
	if filename == "" {
		filename = sourceurl.FilenameOrFallback(msg.OriginalURL, format, c.now())
	}
	item, err := c.downloads.Download(ctx, downloads.Options{
		Data:     blob.Data,
		Filename: filename,
		Mime:     format.MimeType(),
		SaveAs:   true,
	})
	if err != nil {
		return item, &ConversionError{Kind: ErrDeliveryFailure, SourceURL: msg.OriginalURL, Err: err}
	}
	item.Filename = filename
	return item, nil
}

package entities

import (
	"fmt"
	"strings"
)

// Format is the target encoding of a conversion.
type Format string

const (
	FormatJPG Format = "jpg"
	FormatPNG Format = "png"
)

// ParseFormat accepts "jpg", "jpeg" and "png" in any case. Empty input yields JPG.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jpg", "jpeg":
		return FormatJPG, nil
	case "png":
		return FormatPNG, nil
	default:
		return "", fmt.Errorf("unsupported target format: %q", s)
	}
}

func (f Format) Ext() string {
	if f == FormatPNG {
		return ".png"
	}
	return ".jpg"
}

func (f Format) MimeType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// OrDefault returns JPG for the zero value.
func (f Format) OrDefault() Format {
	if f == "" {
		return FormatJPG
	}
	return f
}

// TriggerKind records what started a conversion.
type TriggerKind string

const (
	TriggerContextMenu       TriggerKind = "context_menu"
	TriggerPageClick         TriggerKind = "page_click"
	TriggerAutoDetect        TriggerKind = "auto_detect"
	TriggerDownloadIntercept TriggerKind = "download_intercept"
)

// Manual reports whether a person explicitly asked for this conversion.
func (t TriggerKind) Manual() bool {
	return t == TriggerContextMenu || t == TriggerPageClick
}

// ConversionRequest is created per trigger and discarded after delivery or failure.
type ConversionRequest struct {
	SourceURL    string      `json:"source_url"`
	TargetFormat Format      `json:"target_format"`
	Trigger      TriggerKind `json:"trigger"`
	TabID        int         `json:"tab_id,omitempty"` // 0 when no page originated the request
	Filename     string      `json:"filename,omitempty"`
}

// Key identifies the request in the in-flight set.
func (r ConversionRequest) Key() string {
	return r.SourceURL
}

// RecentConversionEntry is one row of the recent conversions list.
type RecentConversionEntry struct {
	OriginalURL       string `json:"originalUrl"`
	ConvertedFilename string `json:"convertedFilename"`
	Timestamp         int64  `json:"timestamp"` // epoch millis
}

// UserPreferences live in the synced storage scope.
type UserPreferences struct {
	AutoConvert     bool   `json:"autoConvert"`
	PreferredFormat Format `json:"preferredFormat"`
}

func DefaultPreferences() UserPreferences {
	return UserPreferences{AutoConvert: false, PreferredFormat: FormatJPG}
}

// DownloadDescriptor is what the download manager hands to its interceptor
// as soon as a download begins.
type DownloadDescriptor struct {
	ID       int    `json:"id"`
	URL      string `json:"url"`
	FinalURL string `json:"final_url,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// SourceURL prefers the post-redirect location when the platform reports one.
func (d DownloadDescriptor) SourceURL() string {
	if d.FinalURL != "" {
		return d.FinalURL
	}
	return d.URL
}

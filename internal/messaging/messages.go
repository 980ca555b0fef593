// Package messaging carries requests between page agents and the coordinator
// and pushes notifications back to pages and popup views.
package messaging

import "github.com/trunov/webpconv/internal/entities"

// Request actions.
const (
	ActionConvertWebP       = "convertWebP"
	ActionShowError         = "showError"
	ActionDownloadConverted = "downloadConverted"
	ActionUpdateAutoConvert = "updateAutoConvert"
)

// Push-only actions.
const (
	ActionUpdateRecentConversions = "updateRecentConversions"
	ActionStatus                  = "status"
	ActionPreferencesChanged      = "preferencesChanged"
)

// Envelope is the part every message shares. The payload fields sit next to
// action on the wire.
type Envelope struct {
	Action string `json:"action" validate:"required"`
	TabID  int    `json:"tabId,omitempty"`
}

type ConvertRequest struct {
	ImageURL string               `json:"imageUrl" validate:"required"`
	Format   string               `json:"format,omitempty" validate:"omitempty,oneof=jpg jpeg png JPG JPEG PNG"`
	Filename string               `json:"filename,omitempty" validate:"omitempty,max=255"`
	Trigger  entities.TriggerKind `json:"trigger,omitempty" validate:"omitempty,oneof=context_menu page_click auto_detect download_intercept"`
}

type ConvertResult struct {
	Success    bool   `json:"success"`
	Filename   string `json:"filename,omitempty"`
	DownloadID int    `json:"downloadId,omitempty"`
	Error      string `json:"error,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type ShowError struct {
	Message string `json:"message" validate:"required"`
}

type Ack struct {
	Success bool `json:"success"`
}

type DownloadConverted struct {
	ConvertedBytesRef string `json:"convertedBytesRef" validate:"required"`
	OriginalURL       string `json:"originalUrl" validate:"required"`
	Filename          string `json:"filename,omitempty" validate:"omitempty,max=255"`
}

type DownloadResult struct {
	Success    bool   `json:"success"`
	DownloadID int    `json:"downloadId,omitempty"`
	Error      string `json:"error,omitempty"`
}

type UpdateAutoConvert struct {
	Enabled bool `json:"enabled"`
}

type UpdateRecentConversions struct {
	RecentConversions []entities.RecentConversionEntry `json:"recentConversions"`
}

// Status is the transient banner shown in a page.
type Status struct {
	Message string `json:"message"`
	IsError bool   `json:"isError"`
}

// Notification is a fire-and-forget push. TabID 0 addresses every subscriber.
type Notification struct {
	Action string      `json:"action"`
	TabID  int         `json:"tabId,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

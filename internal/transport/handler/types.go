package handler

import (
	"github.com/trunov/webpconv/internal/downloads"
	"github.com/trunov/webpconv/internal/inflight"
)

type ContextMenuParams struct {
	SrcURL string `json:"srcUrl" validate:"required,max=4096"`
	TabID  int    `json:"tabId" validate:"gte=0"`
}

type ContextMenuResponse struct {
	Success    bool   `json:"success"`
	Filename   string `json:"filename"`
	DownloadID int    `json:"downloadId"`
}

type DownloadParams struct {
	URL      string `json:"url" validate:"required,url"`
	Filename string `json:"filename" validate:"omitempty,max=255"` // suggested name, server may change it
}

type DownloadResponse struct {
	downloads.Item
	// Cancelled downloads were replaced by a conversion.
	Replaced bool `json:"replaced"`
}

type PreferencesParams struct {
	AutoConvert     bool   `json:"autoConvert"`
	PreferredFormat string `json:"preferredFormat" validate:"omitempty,oneof=jpg jpeg png JPG JPEG PNG"`
}

type BlobResponse struct {
	ConvertedBytesRef string `json:"convertedBytesRef"`
	Mime              string `json:"mime"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Redis  string `json:"redis,omitempty"`
}

type InFlightResponse struct {
	Count   int              `json:"count"`
	Entries []inflight.Entry `json:"entries"`
}

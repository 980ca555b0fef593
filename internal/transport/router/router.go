package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/trunov/webpconv/internal/transport/handler"
)

// NewRouter mounts the API. metrics may be nil.
func NewRouter(h *handler.Handler, metrics http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.Health)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/context-menu/{format}", h.ContextMenu)
		r.Post("/messages", h.Messages)
		r.Post("/blobs", h.UploadBlob)

		r.Route("/downloads", func(r chi.Router) {
			r.Get("/", h.ListDownloads)
			r.Post("/", h.StartDownload)
			r.Get("/{id}", h.GetDownload)
		})

		r.Get("/preferences", h.GetPreferences)
		r.Put("/preferences", h.PutPreferences)
		r.Post("/preferences/toggle", h.ToggleAutoConvert)
		r.Post("/preferences/format/{format}", h.SetFormat)

		r.Get("/conversions", h.Popup)
		r.Delete("/conversions", h.ClearConversions)
		r.Get("/inflight", h.InFlight)
		r.Get("/ws", h.Events)
	})

	return r
}

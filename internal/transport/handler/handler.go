package handler

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/trunov/webpconv/internal/config"
	"github.com/trunov/webpconv/internal/coordinator"
	"github.com/trunov/webpconv/internal/downloads"
	"github.com/trunov/webpconv/internal/entities"
	"github.com/trunov/webpconv/internal/inflight"
	"github.com/trunov/webpconv/internal/messaging"
	"github.com/trunov/webpconv/internal/popup"
	"github.com/trunov/webpconv/internal/redismanager"
)

const maxMessageBytes = 1 << 20

type Coordinator interface {
	ContextMenu(ctx context.Context, format entities.Format, srcURL string, tabID int) (coordinator.Outcome, error)
	Preferences() entities.UserPreferences
	UpdatePreferences(ctx context.Context, p entities.UserPreferences) (entities.UserPreferences, error)
	ModifyPreferences(ctx context.Context, fn func(entities.UserPreferences) entities.UserPreferences) (entities.UserPreferences, error)
	SetPreferredFormat(ctx context.Context, f entities.Format) (entities.UserPreferences, error)
	RecentConversions(ctx context.Context) ([]entities.RecentConversionEntry, error)
	ClearHistory(ctx context.Context) error
	InFlight() []inflight.Entry
}

type Dispatcher interface {
	Dispatch(ctx context.Context, raw []byte) (interface{}, error)
}

type Downloads interface {
	Download(ctx context.Context, opts downloads.Options) (downloads.Item, error)
	Get(id int) (downloads.Item, bool)
	List() []downloads.Item
}

type BlobStore interface {
	Put(ctx context.Context, blob redismanager.Blob) (string, error)
}

type Subscriber interface {
	Subscribe(tabID, buffer int) *messaging.Subscription
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Coordinator Coordinator
	Bus         Dispatcher
	Downloads   Downloads
	Blobs       BlobStore
	Hub         Subscriber
	// Redis is nil unless a redis backend is configured.
	Redis Pinger
	Now   func() time.Time
}

type Handler struct {
	deps      Deps
	cfg       *config.Config
	validator *validator.Validate
	upgrader  websocket.Upgrader
}

func New(deps Deps, cfg *config.Config) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Handler{
		deps:      deps,
		cfg:       cfg,
		validator: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// pages and the popup live on other origins
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ContextMenu runs a conversion picked from the image context menu.
func (h *Handler) ContextMenu(w http.ResponseWriter, r *http.Request) {
	format, err := entities.ParseFormat(chi.URLParam(r, "format"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params ContextMenuParams
	r.Body = http.MaxBytesReader(w, r.Body, maxMessageBytes)
	if err := decodeBody(r, &params); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validator.Struct(params); err != nil {
		writeValidationError(w, validationErrorsToMap(err))
		return
	}

	out, err := h.deps.Coordinator.ContextMenu(r.Context(), format, params.SrcURL, params.TabID)
	if err != nil {
		writeConversionError(w, err)
		return
	}
	writeJSON(w, ContextMenuResponse{Success: true, Filename: out.Filename, DownloadID: out.DownloadID}, http.StatusCreated)
}

// Messages accepts one runtime message and answers with the handler's reply.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		writeJSONError(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}

	out, err := h.deps.Bus.Dispatch(r.Context(), raw)
	if err != nil {
		var verr *messaging.ValidationError
		switch {
		case errors.As(err, &verr):
			writeValidationError(w, verr.Fields())
		case errors.Is(err, messaging.ErrUnknownAction):
			writeJSONError(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, messaging.ErrInvalidMessage):
			writeJSONError(w, err.Error(), http.StatusBadRequest)
		default:
			writeJSONError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	if out == nil {
		out = messaging.Ack{Success: true}
	}
	writeJSON(w, out, http.StatusOK)
}

// UploadBlob stores bytes a page encoded itself and returns a single-use ref
// for downloadConverted.
func (h *Handler) UploadBlob(w http.ResponseWriter, r *http.Request) {
	if h.deps.Blobs == nil {
		writeJSONError(w, "blob uploads are disabled", http.StatusNotImplemented)
		return
	}
	maxBytes := h.cfg.Server.MaxBlobMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeMultipartError(w, err)
		return
	}

	file, _, err := r.FormFile("blob")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			writeJSONError(w, `missing blob: form field key should be "blob"`, http.StatusBadRequest)
		} else {
			writeJSONError(w, "an error occurred while uploading the blob: "+err.Error(), http.StatusBadRequest)
		}
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	mime := mimetype.Detect(data)
	if err := validateMimeType(mime.String()); err != nil {
		writeJSONError(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	ref, err := h.deps.Blobs.Put(r.Context(), redismanager.Blob{Data: data, Mime: mime.String()})
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, BlobResponse{ConvertedBytesRef: ref, Mime: mime.String()}, http.StatusCreated)
}

// StartDownload downloads a URL the way a browser would. WebP downloads may
// be replaced by a conversion while auto-convert is on.
func (h *Handler) StartDownload(w http.ResponseWriter, r *http.Request) {
	var params DownloadParams
	r.Body = http.MaxBytesReader(w, r.Body, maxMessageBytes)
	if err := decodeBody(r, &params); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validator.Struct(params); err != nil {
		writeValidationError(w, validationErrorsToMap(err))
		return
	}

	item, err := h.deps.Downloads.Download(r.Context(), downloads.Options{URL: params.URL, Filename: params.Filename})
	if err != nil {
		code := http.StatusBadGateway
		switch {
		case errors.Is(err, downloads.ErrTooLarge):
			code = http.StatusRequestEntityTooLarge
		case errors.Is(err, downloads.ErrInvalidFilename):
			code = http.StatusBadRequest
		}
		writeJSON(w, APIError{Error: err.Error()}, code)
		return
	}

	resp := DownloadResponse{Item: item, Replaced: item.State == downloads.StateCancelled}
	code := http.StatusCreated
	if resp.Replaced {
		code = http.StatusAccepted
	}
	writeJSON(w, resp, code)
}

func (h *Handler) GetDownload(w http.ResponseWriter, r *http.Request) {
	id := parseIntDefault(chi.URLParam(r, "id"), 0)
	item, ok := h.deps.Downloads.Get(id)
	if !ok {
		writeJSONError(w, "download not found", http.StatusNotFound)
		return
	}
	writeJSON(w, item, http.StatusOK)
}

func (h *Handler) ListDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.deps.Downloads.List(), http.StatusOK)
}

func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.deps.Coordinator.Preferences(), http.StatusOK)
}

func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	var params PreferencesParams
	r.Body = http.MaxBytesReader(w, r.Body, maxMessageBytes)
	if err := decodeBody(r, &params); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.validator.Struct(params); err != nil {
		writeValidationError(w, validationErrorsToMap(err))
		return
	}

	p, err := h.deps.Coordinator.UpdatePreferences(r.Context(), entities.UserPreferences{
		AutoConvert:     params.AutoConvert,
		PreferredFormat: entities.Format(params.PreferredFormat),
	})
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, p, http.StatusOK)
}

// ToggleAutoConvert is the popup switch.
func (h *Handler) ToggleAutoConvert(w http.ResponseWriter, r *http.Request) {
	p, err := h.deps.Coordinator.ModifyPreferences(r.Context(), popup.Toggle)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, p, http.StatusOK)
}

// SetFormat is the popup format selector.
func (h *Handler) SetFormat(w http.ResponseWriter, r *http.Request) {
	format, err := entities.ParseFormat(chi.URLParam(r, "format"))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := h.deps.Coordinator.SetPreferredFormat(r.Context(), format)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, p, http.StatusOK)
}

func (h *Handler) ClearConversions(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Coordinator.ClearHistory(r.Context()); err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Popup returns everything the popup renders.
func (h *Handler) Popup(w http.ResponseWriter, r *http.Request) {
	recent, err := h.deps.Coordinator.RecentConversions(r.Context())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, popup.Build(h.deps.Coordinator.Preferences(), recent, h.deps.Now()), http.StatusOK)
}

func (h *Handler) InFlight(w http.ResponseWriter, r *http.Request) {
	entries := h.deps.Coordinator.InFlight()
	writeJSON(w, InFlightResponse{Count: len(entries), Entries: entries}, http.StatusOK)
}

// Events streams notifications for ?tabId= (all tabs when omitted) over a websocket.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	tabID := parseIntDefault(r.URL.Query().Get("tabId"), 0)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade: %v", err)
		return
	}
	defer conn.Close()

	sub := h.deps.Hub.Subscribe(tabID, 0)
	defer sub.Close()

	// the read side only detects the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case n, ok := <-sub.C:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(n); err != nil {
				log.Printf("[ws] tab %d: %v", tabID, err)
				return
			}
		}
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	if h.deps.Redis != nil {
		if err := h.deps.Redis.Ping(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Redis = err.Error()
			code = http.StatusServiceUnavailable
		} else {
			resp.Redis = "ok"
		}
	}
	writeJSON(w, resp, code)
}

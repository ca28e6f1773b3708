package api

import (
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/melo-engine/internal/media"
	"github.com/snarg/melo-engine/internal/storage"
)

type MediaHandler struct {
	fetcher   MediaFetcher
	inventory CacheInventory
	urlPrefix string
	log       zerolog.Logger
}

func NewMediaHandler(fetcher MediaFetcher, inventory CacheInventory, urlPrefix string, log zerolog.Logger) *MediaHandler {
	return &MediaHandler{fetcher: fetcher, inventory: inventory, urlPrefix: urlPrefix, log: log}
}

func (h *MediaHandler) Routes(r chi.Router) {
	r.Get("/api/media/fetch", h.Fetch)
	r.Post("/api/media/fetch", h.Fetch)
	r.Get("/api/media/cache", h.ListCache)
}

// Fetch resolves a media URL. The URL comes from ?url= or a JSON body
// {url, force_redownload}; query parameters win.
func (h *MediaHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	var req media.FetchRequest
	if r.Method == http.MethodPost {
		if err := DecodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if u, ok := QueryString(r, "url"); ok {
		req.URL = u
	}
	if force, ok := QueryBool(r, "force_redownload"); ok {
		req.ForceRedownload = force
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		WriteError(w, http.StatusBadRequest, "url is required")
		return
	}

	d, err := h.fetcher.Fetch(r.Context(), req)
	if err != nil {
		// Missing id and download failures are server-side: 500.
		status := http.StatusInternalServerError
		if errors.Is(err, media.ErrUpstreamMetadata) {
			status = http.StatusBadRequest
		}
		hlog.FromRequest(r).Warn().Err(err).Str("url", req.URL).Int("status", status).Msg("media fetch failed")
		WriteError(w, status, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// CacheEntry is a cache listing row with its served URL.
type CacheEntry struct {
	storage.Entry
	MediaURL string `json:"media_url"`
}

// CacheListing is the response of GET /api/media/cache.
type CacheListing struct {
	Entries    []CacheEntry `json:"entries"`
	Count      int          `json:"count"`
	TotalBytes int64        `json:"total_bytes"`
	Watcher    string       `json:"watcher"`
}

func (h *MediaHandler) ListCache(w http.ResponseWriter, r *http.Request) {
	if h.inventory == nil {
		WriteError(w, http.StatusServiceUnavailable, "cache inventory not available")
		return
	}
	entries := h.inventory.Entries()
	out := CacheListing{
		Entries: make([]CacheEntry, 0, len(entries)),
		Watcher: h.inventory.Status(),
	}
	for _, e := range entries {
		out.Entries = append(out.Entries, CacheEntry{
			Entry:    e,
			MediaURL: path.Join(h.urlPrefix, url.PathEscape(e.Name)),
		})
	}
	out.Count, out.TotalBytes = h.inventory.Totals()
	WriteJSON(w, http.StatusOK, out)
}

package api

import (
	"net/http"
	"os"
	"time"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// EngineStatus is the transcription engine's view for health checks.
type EngineStatus interface {
	Ready() bool
	Provider() string
}

// HealthOptions configures HealthHandler.
type HealthOptions struct {
	CacheDir     string
	Inventory    CacheInventory
	Engine       EngineStatus
	YtdlpVersion string // empty when yt-dlp was not found at startup
	StoreType    string // "local" or "tiered"
	Version      string
	StartTime    time.Time
}

type HealthHandler struct {
	opts HealthOptions
}

func NewHealthHandler(opts HealthOptions) *HealthHandler {
	return &HealthHandler{opts: opts}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK
	degrade := func() {
		if status == "healthy" {
			status = "degraded"
		}
	}

	// Cache directory check
	if fi, err := os.Stat(h.opts.CacheDir); err != nil || !fi.IsDir() {
		checks["cache_dir"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["cache_dir"] = "ok"
	}

	if h.opts.Inventory != nil {
		checks["cache_watcher"] = h.opts.Inventory.Status()
	}

	if h.opts.YtdlpVersion != "" {
		checks["yt_dlp"] = h.opts.YtdlpVersion
	} else {
		checks["yt_dlp"] = "not_found"
		degrade()
	}

	// Transcription check
	switch {
	case h.opts.Engine == nil:
		checks["transcription"] = "not_configured"
		degrade()
	case h.opts.Engine.Ready():
		checks["transcription"] = "ready"
		checks["transcription_provider"] = h.opts.Engine.Provider()
	default:
		checks["transcription"] = "unavailable"
		degrade()
	}

	if h.opts.StoreType == "tiered" {
		checks["s3"] = "ok"
	} else {
		checks["s3"] = "not_configured"
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.opts.Version,
		UptimeSeconds: int64(time.Since(h.opts.StartTime).Seconds()),
		Checks:        checks,
	})
}

package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/melo-engine/internal/config"
	"github.com/snarg/melo-engine/internal/media"
	"github.com/snarg/melo-engine/internal/metrics"
	"github.com/snarg/melo-engine/internal/storage"
	"github.com/snarg/melo-engine/internal/transcribe"
)

// MediaFetcher resolves a media URL into a cached file.
type MediaFetcher interface {
	Fetch(ctx context.Context, req media.FetchRequest) (*media.Descriptor, error)
}

// Transcriber turns a cached audio file into a transcript.
type Transcriber interface {
	Transcribe(ctx context.Context, localPath string) (*transcribe.Transcript, error)
}

// CacheInventory lists the media cache.
type CacheInventory interface {
	Entries() []storage.Entry
	Totals() (int, int64)
	Status() string
}

type ServerOptions struct {
	Config      *config.Config
	Fetcher     MediaFetcher
	Transcriber Transcriber
	Inventory   CacheInventory
	Health      *HealthHandler
	Log         zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	return &Server{
		http: &http.Server{
			Addr:         opts.Config.HTTPAddr,
			Handler:      NewRouter(opts),
			ReadTimeout:  opts.Config.ReadTimeout,
			WriteTimeout: opts.Config.WriteTimeout,
			IdleTimeout:  opts.Config.IdleTimeout,
		},
		log: opts.Log,
	}
}

// NewRouter builds the HTTP handler tree.
func NewRouter(opts ServerOptions) http.Handler {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Logger(opts.Log))
	r.Use(Recoverer)
	r.Use(metrics.InstrumentHandler)
	r.Use(CORSWithOrigins(cfg.CORSOriginList()))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"message": "melo-engine is running."})
	})

	// Health and metrics: no auth
	if opts.Health != nil {
		r.Get("/api/health", opts.Health.ServeHTTP)
	}
	r.Handle("/metrics", promhttp.Handler())

	// Cached media files. Browser media elements fetch these directly.
	prefix := "/" + strings.Trim(cfg.MediaURLPrefix, "/")
	r.Handle(prefix+"/*", http.StripPrefix(prefix, CacheFileServer(cfg.CacheDir)))

	mediaH := NewMediaHandler(opts.Fetcher, opts.Inventory, prefix, opts.Log)
	transcribeH := NewTranscribeHandler(opts.Transcriber, opts.Log)
	proxyH := NewImageProxy(cfg.ProxyMaxBytes, cfg.ProxyTimeout, opts.Log)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))
		r.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))

		mediaH.Routes(r)
		transcribeH.Routes(r)
		r.Get("/api/media/proxy-image", proxyH.ServeHTTP)
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

// CacheFileServer serves finished files from the cache directory. Directory
// listings and in-progress download artifacts are not exposed.
func CacheFileServer(dir string) http.Handler {
	fs := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		if name == "" || strings.Contains(name, "/") || storage.IsPartialFile(name) {
			WriteError(w, http.StatusNotFound, "not found")
			return
		}
		if fi, err := os.Stat(filepath.Join(dir, name)); err != nil || !fi.Mode().IsRegular() {
			WriteError(w, http.StatusNotFound, "not found")
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=86400")
		fs.ServeHTTP(w, r)
	})
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/snarg/melo-engine/internal/api"
	"github.com/snarg/melo-engine/internal/config"
	"github.com/snarg/melo-engine/internal/media"
	"github.com/snarg/melo-engine/internal/metrics"
	"github.com/snarg/melo-engine/internal/storage"
	"github.com/snarg/melo-engine/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.CacheDir, "cache-dir", "", "media cache directory (overrides CACHE_DIR)")
	flag.StringVar(&overrides.STTProvider, "stt-provider", "", "whisper or faster-whisper (overrides STT_PROVIDER)")
	flag.Parse()

	if *showVersion {
		fmt.Println("melo-engine", version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("melo-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Media cache storage
	storeLog := log.With().Str("component", "storage").Logger()
	store, services, err := storage.New(cfg.S3, cfg.CacheDir, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize media storage")
	}
	for _, s := range services {
		s.Start()
	}
	log.Info().Str("type", store.Type()).Str("dir", cfg.CacheDir).Msg("media cache ready")

	inventory := storage.NewInventory(cfg.CacheDir, storeLog)
	if err := inventory.Start(); err != nil {
		log.Warn().Err(err).Msg("cache watcher failed to start; listing disabled")
	}

	// yt-dlp
	ytLog := log.With().Str("component", "yt-dlp").Logger()
	executable := cfg.YtdlpPath
	if executable == "" && cfg.YtdlpAutoInstall {
		installCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		executable, err = media.InstallYtdlp(installCtx)
		cancel()
		if err != nil {
			ytLog.Warn().Err(err).Msg("yt-dlp auto-install failed; falling back to PATH")
		}
	}
	extractor := media.NewYtdlpExtractor(media.YtdlpOptions{
		Executable:         executable,
		CookiesFromBrowser: cfg.YtdlpCookiesFromBrowser,
		Log:                ytLog,
	})
	versionCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	ytVersion, err := extractor.Version(versionCtx)
	cancel()
	if err != nil {
		ytLog.Error().Err(err).Msg("yt-dlp not usable; media fetches will fail")
	} else {
		ytLog.Info().Str("version", ytVersion).Msg("yt-dlp found")
	}

	resolver := media.NewResolver(media.ResolverOptions{
		Extractor:       extractor,
		Store:           store,
		URLPrefix:       cfg.MediaURLPrefix,
		AllowVideo:      cfg.MediaAllowVideo,
		MetadataTimeout: cfg.MetadataTimeout,
		DownloadTimeout: cfg.DownloadTimeout,
		Log:             log.With().Str("component", "resolver").Logger(),
	})

	// Transcription: the model loads once here
	sttLog := log.With().Str("component", "transcribe").Logger()
	provider, err := newProvider(cfg, sttLog)
	if err != nil {
		sttLog.Error().Err(err).Msg("no transcription provider")
	}
	loadCtx, cancel := context.WithTimeout(ctx, cfg.TranscribeLoadTimeout)
	engine := transcribe.NewEngine(loadCtx, transcribe.EngineOptions{
		Provider: provider,
		Opts: transcribe.TranscribeOpts{
			Language:    cfg.TranscribeLanguage,
			Temperature: cfg.TranscribeTemperature,
			Prompt:      cfg.TranscribePrompt,
			BeamSize:    cfg.TranscribeBeamSize,
			VadFilter:   cfg.TranscribeVADFilter,
		},
		CacheDir:        cfg.CacheDir,
		URLPrefix:       cfg.MediaURLPrefix,
		RestrictToCache: cfg.TranscribeRestrictCache,
		PreprocessAudio: cfg.PreprocessAudio,
		Log:             sttLog,
	})
	cancel()

	prometheus.MustRegister(metrics.NewCollector(inventory, engine))

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	health := api.NewHealthHandler(api.HealthOptions{
		CacheDir:     cfg.CacheDir,
		Inventory:    inventory,
		Engine:       engine,
		YtdlpVersion: ytVersion,
		StoreType:    store.Type(),
		Version:      version,
		StartTime:    startTime,
	})
	srv := api.NewServer(api.ServerOptions{
		Config:      cfg,
		Fetcher:     resolver,
		Transcriber: engine,
		Inventory:   inventory,
		Health:      health,
		Log:         httpLog,
	})

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if err := engine.Close(); err != nil {
		log.Error().Err(err).Msg("transcription provider close error")
	}
	inventory.Stop()
	for i := len(services) - 1; i >= 0; i-- {
		services[i].Stop()
	}

	log.Info().Msg("melo-engine stopped")
}

func newProvider(cfg *config.Config, log zerolog.Logger) (transcribe.Provider, error) {
	switch cfg.STTProvider {
	case "whisper", "":
		return transcribe.NewWhisperClient(transcribe.WhisperOptions{
			URL:       cfg.WhisperURL,
			HealthURL: cfg.ResolveWhisperHealthURL(),
			Model:     cfg.WhisperModel,
			Preload:   cfg.WhisperPreload,
			Timeout:   cfg.WhisperTimeout,
		}), nil
	case "faster-whisper":
		return transcribe.NewFasterWhisperProvider(transcribe.FasterWhisperOptions{
			Python:      cfg.FasterWhisperPython,
			Model:       cfg.FasterWhisperModel,
			Device:      cfg.FasterWhisperDevice,
			ComputeType: cfg.FasterWhisperCompute,
			Log:         log,
		}), nil
	default:
		return nil, fmt.Errorf("unknown STT_PROVIDER %q (want whisper or faster-whisper)", cfg.STTProvider)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":8000" {
			t.Errorf("HTTPAddr = %q, want :8000", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
		}
		if cfg.CacheDir != "./media_cache" {
			t.Errorf("CacheDir = %q, want ./media_cache", cfg.CacheDir)
		}
		if cfg.MediaURLPrefix != "/media_cache" {
			t.Errorf("MediaURLPrefix = %q, want /media_cache", cfg.MediaURLPrefix)
		}
		if !cfg.MediaAllowVideo {
			t.Error("MediaAllowVideo = false, want true")
		}
		if cfg.STTProvider != "whisper" {
			t.Errorf("STTProvider = %q, want whisper", cfg.STTProvider)
		}
		if cfg.TranscribeLanguage != "ja" {
			t.Errorf("TranscribeLanguage = %q, want ja", cfg.TranscribeLanguage)
		}
		if cfg.MetadataTimeout != 60*time.Second {
			t.Errorf("MetadataTimeout = %v, want 60s", cfg.MetadataTimeout)
		}
		if cfg.S3.Enabled() {
			t.Error("S3 should be disabled without a bucket")
		}
	})

	t.Run("cli_overrides_take_priority", func(t *testing.T) {
		t.Setenv("HTTP_ADDR", ":7000")
		cfg, err := Load(Overrides{
			EnvFile:     "nonexistent.env",
			HTTPAddr:    ":9090",
			LogLevel:    "debug",
			CacheDir:    "/tmp/cache",
			STTProvider: "Faster-Whisper",
		})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.HTTPAddr != ":9090" {
			t.Errorf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.CacheDir != "/tmp/cache" {
			t.Errorf("CacheDir = %q, want /tmp/cache", cfg.CacheDir)
		}
		if cfg.STTProvider != "faster-whisper" {
			t.Errorf("STTProvider = %q, want faster-whisper", cfg.STTProvider)
		}
	})

	t.Run("env_vars", func(t *testing.T) {
		t.Setenv("MEDIA_URL_PREFIX", "files/")
		t.Setenv("MEDIA_ALLOW_VIDEO", "false")
		t.Setenv("S3_BUCKET", "media")
		t.Setenv("DOWNLOAD_TIMEOUT", "5m")
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.MediaURLPrefix != "/files" {
			t.Errorf("MediaURLPrefix = %q, want /files", cfg.MediaURLPrefix)
		}
		if cfg.MediaAllowVideo {
			t.Error("MediaAllowVideo = true, want false")
		}
		if !cfg.S3.Enabled() {
			t.Error("S3 should be enabled when S3_BUCKET is set")
		}
		if cfg.S3.Region != "us-east-1" {
			t.Errorf("S3.Region = %q, want us-east-1", cfg.S3.Region)
		}
		if cfg.DownloadTimeout != 5*time.Minute {
			t.Errorf("DownloadTimeout = %v, want 5m", cfg.DownloadTimeout)
		}
	})

	t.Run("rate_limit_and_decoding", func(t *testing.T) {
		t.Setenv("RATE_LIMIT_RPS", "2.5")
		t.Setenv("TRANSCRIBE_BEAM_SIZE", "5")
		t.Setenv("TRANSCRIBE_VAD_FILTER", "true")
		cfg, err := Load(Overrides{EnvFile: "nonexistent.env"})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.RateLimitRPS != 2.5 {
			t.Errorf("RateLimitRPS = %v, want 2.5", cfg.RateLimitRPS)
		}
		if cfg.RateLimitBurst != 20 {
			t.Errorf("RateLimitBurst = %d, want 20", cfg.RateLimitBurst)
		}
		if cfg.TranscribeBeamSize != 5 {
			t.Errorf("TranscribeBeamSize = %d, want 5", cfg.TranscribeBeamSize)
		}
		if !cfg.TranscribeVADFilter {
			t.Error("TranscribeVADFilter = false, want true")
		}
	})

	t.Run("env_file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.env")
		if err := os.WriteFile(path, []byte("TRANSCRIBE_LANGUAGE=en\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { os.Unsetenv("TRANSCRIBE_LANGUAGE") })
		cfg, err := Load(Overrides{EnvFile: path})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.TranscribeLanguage != "en" {
			t.Errorf("TranscribeLanguage = %q, want en", cfg.TranscribeLanguage)
		}
	})

	t.Run("invalid_duration", func(t *testing.T) {
		t.Setenv("METADATA_TIMEOUT", "soon")
		if _, err := Load(Overrides{EnvFile: "nonexistent.env"}); err == nil {
			t.Error("expected error for invalid duration")
		}
	})
}

func TestCORSOriginList(t *testing.T) {
	cfg := &Config{CORSOrigins: " https://a.example , ,https://b.example"}
	got := cfg.CORSOriginList()
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("CORSOriginList = %v", got)
	}
	if (&Config{}).CORSOriginList() != nil {
		t.Error("empty CORS_ORIGINS should yield nil")
	}
}

func TestResolveWhisperHealthURL(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		expect string
	}{
		{"explicit", Config{WhisperHealthURL: "http://h/ok", WhisperURL: "http://x/v1"}, "http://h/ok"},
		{"derived", Config{WhisperURL: "http://localhost:8001/v1/audio/transcriptions"}, "http://localhost:8001/health"},
		{"no_path", Config{WhisperURL: "https://stt.example"}, "https://stt.example/health"},
		{"garbage", Config{WhisperURL: "not a url"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.ResolveWhisperHealthURL(); got != tt.expect {
				t.Errorf("got %q, want %q", got, tt.expect)
			}
		})
	}
}

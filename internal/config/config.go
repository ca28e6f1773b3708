package config

import (
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8000"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"60m"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken      string  `env:"AUTH_TOKEN"`
	CORSOrigins    string  `env:"CORS_ORIGINS"`
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"0"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"20"`
	LogLevel       string  `env:"LOG_LEVEL" envDefault:"info"`

	// Media cache
	CacheDir        string `env:"CACHE_DIR" envDefault:"./media_cache"`
	MediaURLPrefix  string `env:"MEDIA_URL_PREFIX" envDefault:"/media_cache"`
	MediaAllowVideo bool   `env:"MEDIA_ALLOW_VIDEO" envDefault:"true"`

	// yt-dlp
	YtdlpPath               string        `env:"YTDLP_PATH"`
	YtdlpAutoInstall        bool          `env:"YTDLP_AUTO_INSTALL" envDefault:"false"`
	YtdlpCookiesFromBrowser string        `env:"YTDLP_COOKIES_FROM_BROWSER"`
	MetadataTimeout         time.Duration `env:"METADATA_TIMEOUT" envDefault:"60s"`
	DownloadTimeout         time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"30m"`

	// Transcription
	STTProvider             string        `env:"STT_PROVIDER" envDefault:"whisper"`
	WhisperURL              string        `env:"WHISPER_URL" envDefault:"http://localhost:8001/v1/audio/transcriptions"`
	WhisperHealthURL        string        `env:"WHISPER_HEALTH_URL"`
	WhisperModel            string        `env:"WHISPER_MODEL" envDefault:"Systran/faster-whisper-medium"`
	WhisperTimeout          time.Duration `env:"WHISPER_TIMEOUT" envDefault:"30m"`
	WhisperPreload          bool          `env:"WHISPER_PRELOAD" envDefault:"false"`
	FasterWhisperPython     string        `env:"FASTER_WHISPER_PYTHON" envDefault:"python3"`
	FasterWhisperModel      string        `env:"FASTER_WHISPER_MODEL" envDefault:"medium"`
	FasterWhisperDevice     string        `env:"FASTER_WHISPER_DEVICE" envDefault:"auto"`
	FasterWhisperCompute    string        `env:"FASTER_WHISPER_COMPUTE_TYPE" envDefault:"int8"`
	TranscribeLanguage      string        `env:"TRANSCRIBE_LANGUAGE" envDefault:"ja"`
	TranscribeTemperature   float64       `env:"TRANSCRIBE_TEMPERATURE" envDefault:"0"`
	TranscribeBeamSize      int           `env:"TRANSCRIBE_BEAM_SIZE" envDefault:"0"`
	TranscribeVADFilter     bool          `env:"TRANSCRIBE_VAD_FILTER" envDefault:"false"`
	TranscribePrompt        string        `env:"TRANSCRIBE_PROMPT"`
	TranscribeLoadTimeout   time.Duration `env:"TRANSCRIBE_LOAD_TIMEOUT" envDefault:"5m"`
	PreprocessAudio         bool          `env:"PREPROCESS_AUDIO" envDefault:"false"`
	TranscribeRestrictCache bool          `env:"TRANSCRIBE_RESTRICT_TO_CACHE" envDefault:"false"`

	// Image proxy
	ProxyMaxBytes int64         `env:"PROXY_MAX_BYTES" envDefault:"10485760"`
	ProxyTimeout  time.Duration `env:"PROXY_TIMEOUT" envDefault:"15s"`

	S3 S3Config
}

// S3Config configures the optional S3 second tier behind the local media cache.
// The tier is enabled when Bucket is set.
type S3Config struct {
	Bucket           string `env:"S3_BUCKET"`
	Endpoint         string `env:"S3_ENDPOINT"`
	Region           string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey        string `env:"S3_ACCESS_KEY"`
	SecretKey        string `env:"S3_SECRET_KEY"`
	Prefix           string `env:"S3_PREFIX"`
	UploadWorkers    int    `env:"S3_UPLOAD_WORKERS" envDefault:"2"`
	UploadQueue      int    `env:"S3_UPLOAD_QUEUE" envDefault:"64"`
	ReconcileOnStart bool   `env:"S3_RECONCILE_ON_START" envDefault:"true"`
}

// Enabled reports whether an S3 bucket is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	CacheDir    string
	STTProvider string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.CacheDir != "" {
		cfg.CacheDir = overrides.CacheDir
	}
	if overrides.STTProvider != "" {
		cfg.STTProvider = overrides.STTProvider
	}

	cfg.MediaURLPrefix = "/" + strings.Trim(cfg.MediaURLPrefix, "/")
	cfg.STTProvider = strings.ToLower(strings.TrimSpace(cfg.STTProvider))

	return cfg, nil
}

// CORSOriginList splits CORS_ORIGINS into a list. Empty means allow all.
func (c *Config) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// ResolveWhisperHealthURL returns WHISPER_HEALTH_URL, or {scheme://host}/health
// derived from WHISPER_URL when unset.
func (c *Config) ResolveWhisperHealthURL() string {
	if c.WhisperHealthURL != "" {
		return c.WhisperHealthURL
	}
	u, err := url.Parse(c.WhisperURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/health"
}

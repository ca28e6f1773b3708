package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/lrstanley/go-ytdlp"
	"github.com/rs/zerolog"
	"github.com/snarg/melo-engine/internal/metrics"
)

// Format selectors per kind.
const (
	audioFormat = "bestaudio/best"
	videoFormat = "bestvideo+bestaudio/best"
)

// YtdlpOptions configures the yt-dlp backed extractor.
type YtdlpOptions struct {
	Executable         string // empty = resolve from PATH / go-ytdlp cache
	CookiesFromBrowser string
	Log                zerolog.Logger
}

// YtdlpExtractor runs yt-dlp through go-ytdlp's command builder.
type YtdlpExtractor struct {
	executable string
	cookies    string
	log        zerolog.Logger
}

// NewYtdlpExtractor creates a yt-dlp extractor.
func NewYtdlpExtractor(opts YtdlpOptions) *YtdlpExtractor {
	return &YtdlpExtractor{
		executable: opts.Executable,
		cookies:    opts.CookiesFromBrowser,
		log:        opts.Log,
	}
}

// InstallYtdlp downloads a yt-dlp binary into go-ytdlp's cache if none is
// available and returns its path.
func InstallYtdlp(ctx context.Context) (string, error) {
	resolved, err := ytdlp.Install(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("install yt-dlp: %w", err)
	}
	return resolved.Executable, nil
}

func (y *YtdlpExtractor) command() *ytdlp.Command {
	cmd := ytdlp.New()
	if y.executable != "" {
		cmd.SetExecutable(y.executable)
	}
	if y.cookies != "" {
		cmd.CookiesFromBrowser(y.cookies)
	}
	return cmd
}

// Metadata runs `yt-dlp --dump-json --no-playlist url`.
func (y *YtdlpExtractor) Metadata(ctx context.Context, url string) (*Metadata, error) {
	res, err := y.command().
		DumpJSON().
		NoPlaylist().
		Run(ctx, url)
	if err != nil {
		metrics.ToolInvocationsTotal.WithLabelValues("metadata", "error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrUpstreamMetadata, toolError("metadata", res, err))
	}
	metrics.ToolInvocationsTotal.WithLabelValues("metadata", "ok").Inc()

	meta, err := ParseMetadata([]byte(res.Stdout))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamMetadata, err)
	}
	return meta, nil
}

// Download runs yt-dlp in download mode. Audio is extracted to mp3, video
// is recoded to mp4.
func (y *YtdlpExtractor) Download(ctx context.Context, req DownloadRequest) error {
	cmd := y.command().
		NoPlaylist().
		Output(req.OutputTemplate)

	switch req.Kind {
	case KindVideo:
		cmd.Format(videoFormat).RecodeVideo(KindVideo.Extension())
	default:
		cmd.Format(audioFormat).ExtractAudio().AudioFormat(KindAudio.Extension())
	}
	if req.Force {
		cmd.ForceOverwrites()
	}

	y.log.Debug().
		Str("url", req.URL).
		Str("kind", string(req.Kind)).
		Str("output", req.OutputTemplate).
		Msg("yt-dlp download starting")

	res, err := cmd.Run(ctx, req.URL)
	if err != nil {
		metrics.ToolInvocationsTotal.WithLabelValues("download", "error").Inc()
		return fmt.Errorf("%w: %w", ErrDownload, toolError("download", res, err))
	}
	metrics.ToolInvocationsTotal.WithLabelValues("download", "ok").Inc()
	return nil
}

// Version returns the yt-dlp version string, used by the health check.
func (y *YtdlpExtractor) Version(ctx context.Context) (string, error) {
	res, err := y.command().Version(ctx)
	if err != nil {
		return "", toolError("version", res, err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

func toolError(op string, res *ytdlp.Result, err error) *ToolError {
	te := &ToolError{Op: op, ExitCode: -1, Err: err}
	if res != nil {
		te.ExitCode = res.ExitCode
		te.Stderr = strings.TrimSpace(res.Stderr)
	}
	return te
}

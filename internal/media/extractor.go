package media

import "context"

// Extractor is the external media tool: metadata lookup plus download to a path.
type Extractor interface {
	// Metadata returns single-item (non-playlist) metadata for url.
	Metadata(ctx context.Context, url string) (*Metadata, error)

	// Download fetches req.URL into req.OutputTemplate, converting to the
	// container required by req.Kind.
	Download(ctx context.Context, req DownloadRequest) error
}

// DownloadRequest describes one download invocation.
type DownloadRequest struct {
	URL            string
	Kind           Kind
	OutputTemplate string // yt-dlp -o template, e.g. cache/{id}.%(ext)s
	Force          bool   // overwrite an existing file
}

package api

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/melo-engine/internal/metrics"
)

// ImageProxy fetches remote cover art on behalf of browsers that would
// otherwise be blocked by hotlink or CORS rules.
type ImageProxy struct {
	client   *http.Client
	maxBytes int64
	log      zerolog.Logger
}

func NewImageProxy(maxBytes int64, timeout time.Duration, log zerolog.Logger) *ImageProxy {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &ImageProxy{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
		log:      log,
	}
}

func (p *ImageProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := QueryString(r, "url")
	u, err := url.Parse(raw)
	if raw == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		metrics.ImageProxyRequestsTotal.WithLabelValues("bad_request").Inc()
		WriteError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, u.String(), nil)
	if err != nil {
		metrics.ImageProxyRequestsTotal.WithLabelValues("bad_request").Inc()
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; melo-engine)")
	req.Header.Set("Accept", "image/*")

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.ImageProxyRequestsTotal.WithLabelValues("transport_error").Inc()
		hlog.FromRequest(r).Warn().Err(err).Str("url", u.Redacted()).Msg("image proxy request failed")
		WriteError(w, http.StatusBadGateway, fmt.Sprintf("failed to fetch image: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ImageProxyRequestsTotal.WithLabelValues("upstream_status").Inc()
		WriteError(w, resp.StatusCode, fmt.Sprintf("failed to fetch image: upstream returned %s", resp.Status))
		return
	}
	if resp.ContentLength > p.maxBytes {
		metrics.ImageProxyRequestsTotal.WithLabelValues("too_large").Inc()
		WriteError(w, http.StatusBadGateway, "image exceeds size limit")
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		metrics.ImageProxyRequestsTotal.WithLabelValues("transport_error").Inc()
		WriteError(w, http.StatusBadGateway, fmt.Sprintf("failed to read image: %v", err))
		return
	}
	if int64(len(body)) > p.maxBytes {
		metrics.ImageProxyRequestsTotal.WithLabelValues("too_large").Inc()
		WriteError(w, http.StatusBadGateway, "image exceeds size limit")
		return
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(body)
	}
	metrics.ImageProxyRequestsTotal.WithLabelValues("ok").Inc()
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

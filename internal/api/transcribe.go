package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/melo-engine/internal/transcribe"
)

type TranscribeHandler struct {
	transcriber Transcriber
	log         zerolog.Logger
}

func NewTranscribeHandler(t Transcriber, log zerolog.Logger) *TranscribeHandler {
	return &TranscribeHandler{transcriber: t, log: log}
}

func (h *TranscribeHandler) Routes(r chi.Router) {
	r.Post("/api/transcribe", h.Transcribe)
}

// TranscribeRequest is the body of POST /api/transcribe.
type TranscribeRequest struct {
	LocalPath string `json:"local_path"`
}

func (h *TranscribeHandler) Transcribe(w http.ResponseWriter, r *http.Request) {
	var req TranscribeRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.LocalPath = strings.TrimSpace(req.LocalPath)
	if req.LocalPath == "" {
		WriteError(w, http.StatusBadRequest, "local_path is required")
		return
	}
	if h.transcriber == nil {
		WriteError(w, http.StatusInternalServerError, transcribe.ErrModelUnavailable.Error())
		return
	}

	t, err := h.transcriber.Transcribe(r.Context(), req.LocalPath)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, transcribe.ErrFileNotFound) {
			status = http.StatusNotFound
		}
		hlog.FromRequest(r).Warn().Err(err).Str("local_path", req.LocalPath).Int("status", status).Msg("transcription failed")
		WriteError(w, status, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

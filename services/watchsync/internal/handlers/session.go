package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/example/watch-party/internal/platform/api"
	"github.com/example/watch-party/internal/platform/eventloop"
	"github.com/example/watch-party/internal/platform/httpserver"
	"github.com/example/watch-party/services/watchsync/internal/player"
	"github.com/example/watch-party/services/watchsync/internal/syncengine"
)

// Session is the viewer's engine as seen from HTTP handlers.
type Session interface {
	View(ctx context.Context) (syncengine.View, error)
	ChangeVideo(ctx context.Context, url string) error
	SetPlaying(ctx context.Context, playing bool) error
	TogglePlayPause(ctx context.Context) error
	SeekTo(ctx context.Context, t float64) error
	Skip(ctx context.Context, delta float64) error
	SetQualityLevel(ctx context.Context, level int) error
	SetVolume(ctx context.Context, v float64) error
	SetMuted(ctx context.Context, muted bool) error
}

type videoReq struct {
	URL string `json:"url"`
}

type seekReq struct {
	Position *float64 `json:"position"`
}

type skipReq struct {
	Seconds *float64 `json:"seconds"`
}

type qualityReq struct {
	Level *int `json:"level"`
}

type volumeReq struct {
	Volume *float64 `json:"volume,omitempty"`
	Muted  *bool    `json:"muted,omitempty"`
}

// Mount registers the control API on r.
func Mount(r chi.Router, s Session) {
	r.Route("/v1/session", func(r chi.Router) {
		r.Get("/", GetSession(s))
		r.Put("/video", ChangeVideo(s))
		r.Post("/play", SetPlaying(s, true))
		r.Post("/pause", SetPlaying(s, false))
		r.Post("/toggle", Toggle(s))
		r.Post("/seek", Seek(s))
		r.Post("/skip", Skip(s))
	})
	r.Route("/v1/player", func(r chi.Router) {
		r.Put("/quality", SetQuality(s))
		r.Put("/volume", SetVolume(s))
	})
}

func GetSession(s Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := s.View(r.Context())
		if err != nil {
			writeSessionError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, v)
	}
}

func ChangeVideo(s Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var req videoReq
		if err := api.DecodeJSON(r, &req); err != nil {
			api.BadRequest(w, "INVALID_JSON", err.Error(), rid, nil)
			return
		}
		req.URL = strings.TrimSpace(req.URL)
		if req.URL == "" {
			api.BadRequest(w, "MISSING_URL", "url is required", rid, nil)
			return
		}
		if err := s.ChangeVideo(r.Context(), req.URL); err != nil {
			writeSessionError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func SetPlaying(s Session, playing bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.SetPlaying(r.Context(), playing); err != nil {
			writeSessionError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func Toggle(s Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.TogglePlayPause(r.Context()); err != nil {
			writeSessionError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func Seek(s Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var req seekReq
		if err := api.DecodeJSON(r, &req); err != nil {
			api.BadRequest(w, "INVALID_JSON", err.Error(), rid, nil)
			return
		}
		if req.Position == nil {
			api.BadRequest(w, "MISSING_POSITION", "position is required", rid, nil)
			return
		}
		if err := s.SeekTo(r.Context(), *req.Position); err != nil {
			writeSessionError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func Skip(s Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var req skipReq
		if err := api.DecodeJSON(r, &req); err != nil {
			api.BadRequest(w, "INVALID_JSON", err.Error(), rid, nil)
			return
		}
		if req.Seconds == nil {
			api.BadRequest(w, "MISSING_SECONDS", "seconds is required", rid, nil)
			return
		}
		if err := s.Skip(r.Context(), *req.Seconds); err != nil {
			writeSessionError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func SetQuality(s Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var req qualityReq
		if err := api.DecodeJSON(r, &req); err != nil {
			api.BadRequest(w, "INVALID_JSON", err.Error(), rid, nil)
			return
		}
		if req.Level == nil {
			api.BadRequest(w, "MISSING_LEVEL", "level is required (-1 for auto)", rid, nil)
			return
		}
		if err := s.SetQualityLevel(r.Context(), *req.Level); err != nil {
			writeSessionError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func SetVolume(s Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		var req volumeReq
		if err := api.DecodeJSON(r, &req); err != nil {
			api.BadRequest(w, "INVALID_JSON", err.Error(), rid, nil)
			return
		}
		if req.Volume == nil && req.Muted == nil {
			api.BadRequest(w, "EMPTY_UPDATE", "volume or muted is required", rid, nil)
			return
		}
		if req.Volume != nil {
			if err := s.SetVolume(r.Context(), *req.Volume); err != nil {
				writeSessionError(w, r, err)
				return
			}
		}
		if req.Muted != nil {
			if err := s.SetMuted(r.Context(), *req.Muted); err != nil {
				writeSessionError(w, r, err)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	rid := httpserver.RequestIDFromContext(r.Context())
	switch {
	case errors.Is(err, syncengine.ErrNoSource):
		api.Conflict(w, "NO_SOURCE", "no video is loaded", rid, nil)
	case errors.Is(err, syncengine.ErrEmptySource),
		errors.Is(err, syncengine.ErrInvalidPosition),
		errors.Is(err, player.ErrUnknownQualityLevel),
		errors.Is(err, player.ErrInvalidVolume):
		api.BadRequest(w, "INVALID_ARGUMENT", err.Error(), rid, nil)
	case errors.Is(err, eventloop.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		api.Unavailable(w, "UNAVAILABLE", "session is shutting down", rid)
	default:
		api.Internal(w, rid)
	}
}

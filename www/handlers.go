package www

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"tripvox/auth"
	"tripvox/cache"
	"tripvox/xunfei"
)

type standardURLResponse struct {
	WSURL     string `json:"ws_url"`
	ExpiresIn int    `json:"expires_in"`
}

type largeModelURLResponse struct {
	WSURL     string `json:"ws_url"`
	SessionID string `json:"session_id"`
	ExpiresIn int    `json:"expires_in"`
}

type issuedSessionResponse struct {
	SessionID string    `json:"session_id"`
	UUID      string    `json:"uuid"`
	IssuedAt  time.Time `json:"issued_at"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "tripvox speech relay",
		"version": Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleRealtime upgrades to a websocket and relays it until the session
// ends. The caller is identified by an optional token query parameter,
// which becomes mandatory when relay auth is required.
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	var user string
	if token := r.URL.Query().Get("token"); token != "" {
		id, err := s.auth.Authenticate(r.Context(), token)
		if err != nil && s.requireRelayAuth {
			auth.Unauthorized(w)
			return
		}
		user = id.UserID
	} else if s.requireRelayAuth {
		auth.Unauthorized(w)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	if err := s.gateway.Serve(r.Context(), conn, user); err != nil {
		s.log.Warn("relay session failed", "user", user, "err", err)
	}
}

func (s *Server) handleStandardURL(w http.ResponseWriter, r *http.Request) {
	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = xunfei.DefaultLang
	}

	ep, err := s.signer.SignStandard(lang)
	if err != nil {
		s.signFailed(w, err)
		return
	}
	signedURLs.WithLabelValues(string(ep.Scheme)).Inc()

	writeJSON(w, http.StatusOK, standardURLResponse{
		WSURL:     ep.URL,
		ExpiresIn: int(ep.ExpiresIn.Seconds()),
	})
}

func (s *Server) handleLargeModelURL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lang := q.Get("lang")
	if lang == "" {
		lang = xunfei.DefaultLLMLang
	}
	sampleRate := xunfei.DefaultSampleRate
	if raw := q.Get("samplerate"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeDetail(w, http.StatusUnprocessableEntity, "samplerate must be a positive integer")
			return
		}
		sampleRate = n
	}

	id := uuid.NewString()
	ep, err := s.signer.SignLargeModel(lang, sampleRate, id)
	if err != nil {
		s.signFailed(w, err)
		return
	}
	signedURLs.WithLabelValues(string(ep.Scheme)).Inc()

	caller, _ := auth.FromContext(r.Context())
	issued := cache.IssuedSession{
		SessionID: ep.SessionID,
		UUID:      id,
		UserID:    caller.UserID,
		IssuedAt:  time.Now().UTC(),
	}
	if err := s.registry.Remember(r.Context(), issued, ep.ExpiresIn); err != nil {
		s.log.Warn("failed to remember issued session", "session", ep.SessionID, "err", err)
	}

	writeJSON(w, http.StatusOK, largeModelURLResponse{
		WSURL:     ep.URL,
		SessionID: ep.SessionID,
		ExpiresIn: int(ep.ExpiresIn.Seconds()),
	})
}

// handleIssuedSession reports a large-model session issued to the caller.
// Sessions of other users are indistinguishable from unknown ones.
func (s *Server) handleIssuedSession(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	issued, err := s.registry.Lookup(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, cache.ErrNotFound) || (err == nil && issued.UserID != caller.UserID) {
		writeDetail(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.log.Error("session lookup failed", "err", err)
		writeDetail(w, http.StatusInternalServerError, "session lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, issuedSessionResponse{
		SessionID: issued.SessionID,
		UUID:      issued.UUID,
		IssuedAt:  issued.IssuedAt,
	})
}

func (s *Server) signFailed(w http.ResponseWriter, err error) {
	s.log.Error("failed to sign websocket url", "err", err)
	if errors.Is(err, xunfei.ErrConfiguration) {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeDetail(w, http.StatusInternalServerError, "failed to generate websocket url: "+err.Error())
}

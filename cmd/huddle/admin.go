package main

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mirkobrombin/go-huddle/v1/core"
	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/model"
)

const defaultTokenTTL = 24 * time.Hour

type sessionRequest struct {
	ID              string              `json:"id"`
	Status          model.SessionStatus `json:"status"`
	TTL             string              `json:"ttl"`
	MaxParticipants int                 `json:"max_participants"`
	RequireApproval bool                `json:"require_approval"`
}

type tokenRequest struct {
	ParticipantID string `json:"participant_id"`
	TTL           string `json:"ttl"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"code": "VALIDATION_ERROR", "message": msg})
}

func parseTTL(s string, fallback time.Duration) (time.Duration, bool) {
	if s == "" {
		return fallback, true
	}
	d, err := time.ParseDuration(s)
	return d, err == nil && d > 0
}

// requireAdmin rejects requests whose bearer token is not the admin token.
func (a *app) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	want := []byte(a.cfg.Auth.AdminToken)
	return func(w http.ResponseWriter, r *http.Request) {
		got, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "UNAUTHORIZED", "message": "admin token required"})
			return
		}
		next(w, r)
	}
}

// registerAdmin mounts the session management routes. They are only
// available when an admin token is configured.
//
//	POST  /admin/sessions
//	PATCH /admin/sessions/{id}
//	POST  /admin/sessions/{id}/tokens
//	POST  /admin/sessions/{id}/participants/{pid}/approve
func (a *app) registerAdmin(mux *http.ServeMux) {
	if a.cfg.Auth.AdminToken == "" {
		return
	}

	mux.HandleFunc("POST /admin/sessions", a.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "malformed request body")
			return
		}
		ttl, ok := parseTTL(req.TTL, 2*time.Hour)
		if !ok {
			badRequest(w, "invalid ttl")
			return
		}
		s := model.Session{
			ID:              req.ID,
			Status:          req.Status,
			ExpiresAt:       time.Now().Add(ttl),
			MaxParticipants: req.MaxParticipants,
			RequireApproval: req.RequireApproval,
		}
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		if s.Status == "" {
			s.Status = model.StatusActive
		}
		if err := a.store.WriteSession(r.Context(), s); err != nil {
			a.logger.Error("write session", "session", s.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
			return
		}
		a.sessions.Invalidate(s.ID)
		writeJSON(w, http.StatusCreated, s)
	}))

	mux.HandleFunc("PATCH /admin/sessions/{id}", a.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		var req sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "malformed request body")
			return
		}
		s, err := a.store.ReadSession(r.Context(), r.PathValue("id"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"code": "NOT_FOUND", "message": "session not found"})
			return
		}
		if req.Status != "" {
			s.Status = req.Status
		}
		if req.TTL != "" {
			ttl, ok := parseTTL(req.TTL, 0)
			if !ok {
				badRequest(w, "invalid ttl")
				return
			}
			s.ExpiresAt = time.Now().Add(ttl)
		}
		if req.MaxParticipants > 0 {
			s.MaxParticipants = req.MaxParticipants
		}
		if err := a.store.WriteSession(r.Context(), s); err != nil {
			a.logger.Error("write session", "session", s.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
			return
		}
		a.sessions.Invalidate(s.ID)
		writeJSON(w, http.StatusOK, s)
	}))

	mux.HandleFunc("POST /admin/sessions/{id}/tokens", a.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			badRequest(w, "malformed request body")
			return
		}
		ttl, ok := parseTTL(req.TTL, defaultTokenTTL)
		if !ok {
			badRequest(w, "invalid ttl")
			return
		}
		if req.ParticipantID == "" {
			req.ParticipantID = uuid.NewString()
		}
		tok, err := a.auth.Issue(r.PathValue("id"), req.ParticipantID, ttl)
		if err != nil {
			a.logger.Error("issue token", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"participant_id": req.ParticipantID, "token": tok})
	}))

	mux.HandleFunc("POST /admin/sessions/{id}/participants/{pid}/approve", a.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		if err := a.board.Approve(r.Context(), r.PathValue("id"), r.PathValue("pid")); err != nil {
			writeJSON(w, core.StatusOf(err), core.ErrorBody{Code: string(huddleerrors.CodeOf(err)), Message: err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
}

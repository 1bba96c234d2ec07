package core

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
)

// ErrorBody is the JSON body of a failed request.
type ErrorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	Holder       string `json:"holder,omitempty"`
}

// StatusOf maps an error to its HTTP status.
func StatusOf(err error) int {
	switch huddleerrors.CodeOf(err) {
	case huddleerrors.CodeLocked, huddleerrors.CodeCapacityExceeded,
		huddleerrors.CodeSessionPaused, huddleerrors.CodeSessionInactive:
		return http.StatusConflict
	case huddleerrors.CodeForbidden:
		return http.StatusForbidden
	case huddleerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case huddleerrors.CodeSessionEnded, huddleerrors.CodeSessionExpired:
		return http.StatusGone
	case huddleerrors.CodeValidation:
		return http.StatusUnprocessableEntity
	case huddleerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case huddleerrors.CodeNotFound:
		return http.StatusNotFound
	case huddleerrors.CodeConnectionFailed:
		return http.StatusServiceUnavailable
	}
	if stdErrors.Is(err, huddleerrors.ErrTimeout) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	body := ErrorBody{Code: string(huddleerrors.CodeOf(err)), Message: err.Error()}
	var herr *huddleerrors.Error
	if stdErrors.As(err, &herr) {
		body.Message = herr.Message
		body.Holder = herr.Holder
		if herr.RetryAfter > 0 {
			body.RetryAfterMS = herr.RetryAfter.Milliseconds()
			secs := int(math.Ceil(herr.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	if status == http.StatusInternalServerError {
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if t, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return ""
}

type contentBody struct {
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request) (contentBody, error) {
	var body contentBody
	if r.Body == nil || r.ContentLength == 0 {
		return body, nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body)
	if err != nil && !stdErrors.Is(err, io.EOF) {
		return body, huddleerrors.Wrap(huddleerrors.CodeValidation, "malformed request body", err)
	}
	return body, nil
}

// NewHandler exposes the board operations as a JSON API. Callers
// authenticate with "Authorization: Bearer <token>".
//
//	POST   /sessions/{id}/join
//	POST   /sessions/{id}/leave
//	GET    /sessions/{id}/items
//	POST   /sessions/{id}/items
//	PUT    /sessions/{id}/items/{item}
//	DELETE /sessions/{id}/items/{item}
//	POST   /sessions/{id}/items/{item}/lock
//	DELETE /sessions/{id}/items/{item}/lock
//	GET    /sessions/{id}/quota
func NewHandler(b *Board) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions/{id}/join", func(w http.ResponseWriter, r *http.Request) {
		body, err := decode(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		p, err := b.Join(r.Context(), r.PathValue("id"), bearer(r), body.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	})

	mux.HandleFunc("POST /sessions/{id}/leave", func(w http.ResponseWriter, r *http.Request) {
		if err := b.Leave(r.Context(), r.PathValue("id"), bearer(r)); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /sessions/{id}/items", func(w http.ResponseWriter, r *http.Request) {
		items, err := b.Items(r.Context(), r.PathValue("id"), bearer(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	})

	mux.HandleFunc("POST /sessions/{id}/items", func(w http.ResponseWriter, r *http.Request) {
		body, err := decode(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		it, err := b.Submit(r.Context(), r.PathValue("id"), bearer(r), body.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, it)
	})

	mux.HandleFunc("PUT /sessions/{id}/items/{item}", func(w http.ResponseWriter, r *http.Request) {
		body, err := decode(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		it, err := b.Update(r.Context(), r.PathValue("id"), bearer(r), r.PathValue("item"), body.Content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, it)
	})

	mux.HandleFunc("DELETE /sessions/{id}/items/{item}", func(w http.ResponseWriter, r *http.Request) {
		if err := b.Delete(r.Context(), r.PathValue("id"), bearer(r), r.PathValue("item")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /sessions/{id}/items/{item}/lock", func(w http.ResponseWriter, r *http.Request) {
		l, err := b.StartEditing(r.Context(), r.PathValue("id"), bearer(r), r.PathValue("item"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, l)
	})

	mux.HandleFunc("DELETE /sessions/{id}/items/{item}/lock", func(w http.ResponseWriter, r *http.Request) {
		ok, err := b.StopEditing(r.Context(), r.PathValue("id"), bearer(r), r.PathValue("item"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"released": ok})
	})

	mux.HandleFunc("GET /sessions/{id}/quota", func(w http.ResponseWriter, r *http.Request) {
		d, err := b.Quota(r.Context(), r.PathValue("id"), bearer(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	})

	return mux
}

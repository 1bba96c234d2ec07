package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	uuid "github.com/hashicorp/go-uuid"

	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/model"
	"github.com/mirkobrombin/go-huddle/v1/watchbus"
)

// Authorizer decides who may follow a session live.
type Authorizer interface {
	// Watch admits token to the streams of sessionID and returns the
	// caller's participant id.
	Watch(ctx context.Context, sessionID, token string) (string, error)
	// AllowPresence fails when participantID may no longer publish
	// presence in sessionID.
	AllowPresence(ctx context.Context, sessionID, participantID string) error
}

// Envelope wraps a raw stream message for browser delivery. The first
// envelope of every connection has Stream "hello" and carries the
// connection id.
type Envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

const streamHello = "hello"

func sessionID(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	return r.URL.Query().Get("session")
}

// requestToken reads the bearer token, falling back to the "token" query
// parameter since browsers cannot set headers on EventSource or WebSocket.
func requestToken(r *http.Request) string {
	if t, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return r.URL.Query().Get("token")
}

func denialStatus(err error) int {
	switch huddleerrors.CodeOf(err) {
	case huddleerrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case huddleerrors.CodeNotFound:
		return http.StatusNotFound
	case "":
		return http.StatusInternalServerError
	}
	return http.StatusForbidden
}

// admit resolves the session and participant of r, writing the denial
// itself when the request may not watch.
func admit(w http.ResponseWriter, r *http.Request, access Authorizer) (sid, pid string, ok bool) {
	sid = sessionID(r)
	if sid == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return "", "", false
	}
	pid, err := access.Watch(r.Context(), sid, requestToken(r))
	if err != nil {
		http.Error(w, err.Error(), denialStatus(err))
		return "", "", false
	}
	return sid, pid, true
}

func hello() (string, Envelope, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", Envelope{}, err
	}
	data, _ := json.Marshal(map[string]string{"connection_id": id})
	return id, Envelope{Stream: streamHello, Data: data}, nil
}

// watchSession merges the four streams of sid into one channel. The channel
// closes as soon as any stream closes or ctx is done; stop releases the
// watches.
func watchSession(ctx context.Context, bus watchbus.WatchBus, sid string) (<-chan Envelope, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	type watch struct {
		stream, key string
		ch          chan []byte
	}
	watches := []*watch{
		{stream: model.TableItems, key: model.Topic(model.TableItems, sid)},
		{stream: model.TableParticipants, key: model.Topic(model.TableParticipants, sid)},
		{stream: model.TableSessions, key: model.Topic(model.TableSessions, sid)},
		{stream: "presence", key: model.PresenceTopic(sid)},
	}
	stop := func() {
		cancel()
		for _, w := range watches {
			if w.ch != nil {
				_ = bus.Unwatch(context.Background(), w.key, w.ch)
			}
		}
	}
	for _, w := range watches {
		ch, err := bus.Watch(ctx, w.key)
		if err != nil {
			stop()
			return nil, nil, err
		}
		w.ch = ch
	}

	out := make(chan Envelope)
	var wg sync.WaitGroup
	for _, w := range watches {
		wg.Add(1)
		go func(w *watch) {
			defer wg.Done()
			defer cancel()
			for {
				select {
				case msg, ok := <-w.ch:
					if !ok {
						return
					}
					select {
					case out <- Envelope{Stream: w.stream, Data: msg}:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(w)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, stop, nil
}

// SSEHandler streams a session's change and presence messages as
// Server-Sent Events. The session is taken from the "id" path value or the
// "session" query parameter, and the caller's token is checked by access.
func SSEHandler(bus watchbus.WatchBus, access Authorizer, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sid, pid, ok := admit(w, r, access)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		events, stop, err := watchSession(r.Context(), bus, sid)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		defer stop()

		connID, first, err := hello()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		logger.Debug("sse stream opened", "session", sid, "participant", pid, "connection", connID)
		defer logger.Debug("sse stream closed", "session", sid, "connection", connID)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		if err := writeSSE(w, first); err != nil {
			return
		}
		flusher.Flush()
		for env := range events {
			if err := writeSSE(w, env); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams a session's messages over WebSocket. Presence
// events sent by the client are published on the session's presence channel
// when they describe the authenticated participant and access still allows
// it; anything else is dropped.
func WebSocketHandler(bus watchbus.WatchBus, access Authorizer, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		sid, pid, ok := admit(w, r, access)
		if !ok {
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		events, stop, err := watchSession(ctx, bus, sid)
		if err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
			return
		}
		defer stop()

		connID, first, err := hello()
		if err != nil {
			return
		}
		logger.Debug("websocket opened", "session", sid, "participant", pid, "connection", connID)
		if err := conn.WriteJSON(first); err != nil {
			return
		}

		go func() {
			defer cancel()
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var ev model.PresenceEvent
				if err := json.Unmarshal(msg, &ev); err != nil || ev.Record == nil || ev.Kind == model.PresenceSync {
					logger.Debug("websocket message ignored", "connection", connID)
					continue
				}
				if ev.Record.ParticipantID != pid {
					logger.Warn("presence for another participant rejected", "session", sid, "participant", pid, "claimed", ev.Record.ParticipantID)
					continue
				}
				if err := access.AllowPresence(ctx, sid, pid); err != nil {
					logger.Debug("presence rejected", "session", sid, "participant", pid, "error", err)
					continue
				}
				if err := bus.Publish(ctx, model.PresenceTopic(sid), msg); err != nil {
					logger.Warn("presence publish failed", "session", sid, "error", err)
				}
			}
		}()

		for env := range events {
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}
}

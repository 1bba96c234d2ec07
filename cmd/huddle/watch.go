package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/model"
	"github.com/mirkobrombin/go-huddle/v1/realtime"
)

// event is one line printed by the watch command.
type event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// lineWriter serializes events from concurrent handler calls.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) emit(name string, data any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.enc.Encode(event{Event: name, Data: data})
}

func watchHandlers(w *lineWriter, failed chan<- struct{}) realtime.Handlers {
	return realtime.Handlers{
		OnItemCreated:       func(it model.Item) { w.emit("item_created", it) },
		OnItemUpdated:       func(it model.Item) { w.emit("item_updated", it) },
		OnItemDeleted:       func(it model.Item) { w.emit("item_deleted", it) },
		OnParticipantJoined: func(p model.Participant) { w.emit("participant_joined", p) },
		OnParticipantLeft:   func(p model.Participant) { w.emit("participant_left", p) },
		OnParticipantUpdated: func(p model.Participant) {
			w.emit("participant_updated", p)
		},
		OnSessionStateChanged: func(s model.SessionStatus, remaining time.Duration) {
			w.emit("session_state", map[string]any{"status": s, "remaining_ms": remaining.Milliseconds()})
		},
		OnPresenceChanged: func(rs []model.PresenceRecord) { w.emit("presence", rs) },
		OnConnectionFailed: func() {
			w.emit("connection_failed", nil)
			close(failed)
		},
	}
}

// watchSession subscribes a realtime manager to sessionID and prints every
// delivered event as a JSON line on out until ctx ends or the subscription
// gives up.
func watchSession(ctx context.Context, a *app, sessionID string, out io.Writer) error {
	w := &lineWriter{enc: json.NewEncoder(out)}
	failed := make(chan struct{})
	m := realtime.NewManager(a.bus, watchHandlers(w, failed),
		realtime.WithFlushInterval(a.cfg.Realtime.Flush),
		realtime.WithBackoff(a.cfg.Realtime.BaseDelay, a.cfg.Realtime.MaxDelay),
		realtime.WithMaxAttempts(a.cfg.Realtime.MaxAttempts),
		realtime.WithLogger(a.logger),
	)
	if err := m.Subscribe(ctx, realtime.SessionConfig{SessionID: sessionID}); err != nil {
		return err
	}
	defer m.Unsubscribe()

	select {
	case <-ctx.Done():
		return nil
	case <-failed:
		return huddleerrors.ErrConnectionFailed
	}
}

func newWatchCmd(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Print a session's live events as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, *configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := wireApp(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer a.Close()
			return watchSession(ctx, a, args[0], cmd.OutOrStdout())
		},
	}
}

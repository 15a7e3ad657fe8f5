package quest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashida/shopquest/internal/domain"
	"github.com/ashida/shopquest/internal/identity"
	"github.com/ashida/shopquest/internal/store"
	"github.com/coder/websocket"
)

// WebSocketHandler carries a quest session over a single bidirectional
// channel: inbound frames are transition commands, outbound frames are
// quest events with the system lines delivered as a typed character-reveal
// before the full message lands.
type WebSocketHandler struct {
	registry      *Registry
	repo          store.Repository
	hub           *Handler
	pacing        Config
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new quest websocket handler. hub supplies
// the per-session event subscription.
func NewWebSocketHandler(registry *Registry, repo store.Repository, hub *Handler, pacing Config, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		registry:      registry,
		repo:          repo,
		hub:           hub,
		pacing:        pacing.withDefaults(),
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsCommand is an inbound websocket frame.
type wsCommand struct {
	Type   string `json:"type"`
	Answer bool   `json:"answer,omitempty"`
}

// wsFrame is an outbound websocket frame.
type wsFrame struct {
	Type     string          `json:"type"`
	Event    *Event          `json:"event,omitempty"`
	Text     string          `json:"text,omitempty"`
	Speaker  domain.Speaker  `json:"speaker,omitempty"`
	Snapshot *Snapshot       `json:"snapshot,omitempty"`
	Error    string          `json:"error,omitempty"`
	Markers  []domain.Marker `json:"markers,omitempty"`
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("quest websocket connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe := h.hub.Subscribe(userID, sessionID)
	defer unsubscribe()

	// Snapshot first so a reconnecting client can repaint before new
	// events arrive.
	if q := h.registry.Get(userID, sessionID); q != nil {
		snap := q.Snapshot()
		if err := h.writeFrame(ws, wsFrame{Type: "snapshot", Snapshot: &snap}); err != nil {
			slog.Debug("failed to send initial snapshot", "error", err, "user_id", userID)
			return
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: commands -> transitions.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, userID, sessionID)
	}()

	// Output loop: quest events -> typed frames.
	go func() {
		defer wg.Done()
		defer cancel()
		h.outputLoop(ctx, ws, events)
	}()

	wg.Wait()
	slog.Info("quest websocket session ended", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

//nolint:gocognit // Command dispatch keeps the whole protocol in one switch.
func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, userID, sessionID string) {
	slog.Debug("starting quest input loop", "user_id", userID)
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("websocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("websocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			if writeErr := h.writeFrame(ws, wsFrame{Type: "error", Error: "invalid command"}); writeErr != nil {
				slog.Debug("failed to send invalid command error", "error", writeErr)
			}
			continue
		}

		switch cmd.Type {
		case "start":
			q := h.registry.Start(ctx, userID, sessionID)
			snap := q.Snapshot()
			if err := h.writeFrame(ws, wsFrame{Type: "snapshot", Snapshot: &snap}); err != nil {
				slog.Debug("failed to send snapshot", "error", err)
			}
		case "arrive", "inquiry", "found", "checkout":
			h.runTransition(ctx, ws, userID, sessionID, cmd)
		case "ping":
			if err := h.writeFrame(ws, wsFrame{Type: "pong"}); err != nil {
				slog.Debug("failed to send pong", "error", err)
			}
		case "close":
			slog.Info("quest close requested", "user_id", userID, "session_id", sessionID)
			h.registry.Close(userID, sessionID)
			if err := h.writeFrame(ws, wsFrame{Type: "closed"}); err != nil {
				slog.Debug("failed to send close acknowledgment", "error", err)
			}
			return
		}

		// Update last seen asynchronously with timeout.
		go func() {
			updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.repo.UpdateLastSeen(updateCtx, userID, time.Now()); err != nil {
				slog.Warn("failed to update last seen", "error", err)
			}
		}()
	}
}

// runTransition executes one transition command. The dispatch plays out in
// its own goroutine so the input loop stays responsive; a second command
// arriving mid-dispatch is answered with quest_busy by the guard.
func (h *WebSocketHandler) runTransition(ctx context.Context, ws *websocket.Conn, userID, sessionID string, cmd wsCommand) {
	q := h.registry.Get(userID, sessionID)
	if q == nil {
		if err := h.writeFrame(ws, wsFrame{Type: "error", Error: "no active quest"}); err != nil {
			slog.Debug("failed to send no-quest error", "error", err)
		}
		return
	}

	go func() {
		var err error
		switch cmd.Type {
		case "arrive":
			err = q.ConfirmArrival(ctx)
		case "inquiry":
			err = q.AnswerInquiry(ctx, cmd.Answer)
		case "found":
			err = q.AnswerFindItem(ctx, cmd.Answer)
		case "checkout":
			err = q.ConfirmCheckout(ctx)
		}

		if err != nil {
			frame := wsFrame{Type: "error"}
			switch {
			case errors.Is(err, ErrInvalidTransition):
				frame.Error = "invalid transition"
			case errors.Is(err, ErrQuestBusy):
				frame.Error = "quest busy"
			case errors.Is(err, context.Canceled):
				return
			default:
				slog.Error("quest transition failed", "user_id", userID, "error", err)
				frame.Error = "transition failed"
			}
			if writeErr := h.writeFrame(ws, frame); writeErr != nil {
				slog.Debug("failed to send transition error", "error", writeErr)
			}
			return
		}

		persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.registry.Persist(persistCtx, q); err != nil {
			slog.Warn("failed to persist quest after transition", "user_id", userID, "error", err)
		}
		if q.Stage().Terminal() {
			if err := h.registry.Complete(persistCtx, q); err != nil {
				slog.Warn("failed to record quest purchases", "user_id", userID, "error", err)
			}
		}
	}()
}

// outputLoop forwards quest events to the client. System messages are
// rendered as a character reveal: a run of "typing" frames followed by the
// full message event. A new message supersedes the reveal in flight.
func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, events <-chan Event) {
	typist := NewTypewriter(h.pacing.TypingInterval, h.pacing.Clock)
	defer typist.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			if ev.Type == EventMessage && ev.Message != nil && ev.Message.Speaker == domain.SpeakerSystem {
				for prefix := range typist.Reveal(ctx, ev.Message.Text) {
					if err := h.writeFrame(ws, wsFrame{Type: "typing", Speaker: ev.Message.Speaker, Text: prefix}); err != nil {
						slog.Debug("failed to send typing frame", "error", err)
						return
					}
				}
			}

			frame := wsFrame{Type: "event", Event: &ev}
			if err := h.writeFrame(ws, frame); err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					slog.Warn("quest event write error", "error", err)
				}
				return
			}
		}
	}
}

func (h *WebSocketHandler) writeFrame(ws *websocket.Conn, frame wsFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}

package quest

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashida/shopquest/internal/identity"
	"github.com/ashida/shopquest/internal/store"
	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize caps transition request bodies (1MB).
const maxRequestBodySize = 1 << 20

// SSEConnection represents a single SSE client connection.
type SSEConnection struct {
	ID          int64
	UserID      string
	SessionID   string
	EventID     int64
	ConnectedAt time.Time
	LastEventID int64
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

// QueuedEvent is one buffered stream event awaiting replay.
type QueuedEvent struct {
	EventID   int64
	Event     Event
	Timestamp time.Time
}

// SSEEventQueue buffers events for disconnected clients, sharded per
// session. Each session gets its own bounded list so one user's burst
// cannot evict events belonging to another user.
type SSEEventQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List // sessionKey (userID:sessionID) -> events
	maxSize int
}

// NewSSEEventQueue creates a new per-session event queue.
func NewSSEEventQueue(maxSize int) *SSEEventQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &SSEEventQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue adds an event to the per-session queue.
func (q *SSEEventQueue) Enqueue(userID, sessionID string, eventID int64, ev Event) {
	key := sessionKey(userID, sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queues[key]; !ok {
		q.queues[key] = list.New()
	}
	l := q.queues[key]
	l.PushBack(&QueuedEvent{
		EventID:   eventID,
		Event:     ev,
		Timestamp: time.Now(),
	})
	// Evict oldest events only within this session's queue.
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// GetMissedEvents retrieves events after a specific event ID for a session.
func (q *SSEEventQueue) GetMissedEvents(userID, sessionID string, afterEventID int64) []*QueuedEvent {
	key := sessionKey(userID, sessionID)
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[key]
	if !ok {
		return nil
	}
	var missed []*QueuedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		ev := e.Value.(*QueuedEvent)
		if ev.EventID > afterEventID {
			missed = append(missed, ev)
		}
	}
	return missed
}

// Prune removes the queue for a session when its last SSE connection
// closes, freeing memory promptly.
func (q *SSEEventQueue) Prune(userID, sessionID string) {
	key := sessionKey(userID, sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, key)
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// RateLimiter implements a per-user rate limiter.
// The key is userID only, not userID:sessionID, so clients cannot bypass
// throttling by rotating session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter and starts the background
// eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// startEviction runs a background goroutine that periodically removes
// expired keys from the requests map, preventing unbounded memory growth.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for range ticker.C {
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// Handler serves the quest HTTP surface: transition endpoints plus an SSE
// stream with event IDs, replay after reconnect and keepalives.
type Handler struct {
	registry    *Registry
	repo        store.Repository
	rateLimiter *RateLimiter
	translog    *TranscriptLogger

	broadcastChan  chan Event
	sseConnections map[string]map[int64]*SSEConnection // sessionKey -> connID -> conn
	subscribers    map[string]map[int64]chan Event     // sessionKey -> subID -> channel
	eventQueue     *SSEEventQueue
	connectionsMu  sync.RWMutex

	eventCounter int64
	connectionID int64
	counterMu    sync.Mutex

	done chan struct{}
}

// NewHandler creates the quest handler and starts its broadcast loop.
// broadcastChan is the channel quest events are published on; the handler
// takes ownership of draining it.
func NewHandler(registry *Registry, repo store.Repository, broadcastChan chan Event, translog *TranscriptLogger) *Handler {
	h := &Handler{
		registry:       registry,
		repo:           repo,
		rateLimiter:    NewRateLimiter(30, time.Minute),
		translog:       translog,
		broadcastChan:  broadcastChan,
		sseConnections: make(map[string]map[int64]*SSEConnection),
		subscribers:    make(map[string]map[int64]chan Event),
		eventQueue:     NewSSEEventQueue(100),
		done:           make(chan struct{}),
	}
	go h.broadcastLoop()
	return h
}

// RegisterRoutes registers quest routes (requires identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/quest", func(r chi.Router) {
		r.Post("/start", h.HandleStart)
		r.Get("/state", h.HandleState)
		r.Get("/stream", h.HandleStream)
		r.Post("/arrive", h.HandleArrive)
		r.Post("/inquiry", h.HandleInquiry)
		r.Post("/found", h.HandleFound)
		r.Post("/checkout", h.HandleCheckout)
	})
}

// Close stops the broadcast loop.
func (h *Handler) Close() {
	close(h.done)
	if h.translog != nil {
		if err := h.translog.Close(); err != nil {
			slog.Warn("failed to close transcript logger", "error", err)
		}
	}
}

// Subscribe returns a channel delivering the session's quest events until
// the returned cancel function is called. Used by the websocket channel.
func (h *Handler) Subscribe(userID, sessionID string) (<-chan Event, func()) {
	key := sessionKey(userID, sessionID)
	ch := make(chan Event, 64)

	h.counterMu.Lock()
	h.connectionID++
	subID := h.connectionID
	h.counterMu.Unlock()

	h.connectionsMu.Lock()
	if _, ok := h.subscribers[key]; !ok {
		h.subscribers[key] = make(map[int64]chan Event)
	}
	h.subscribers[key][subID] = ch
	h.connectionsMu.Unlock()

	cancel := func() {
		h.connectionsMu.Lock()
		if subs, ok := h.subscribers[key]; ok {
			delete(subs, subID)
			if len(subs) == 0 {
				delete(h.subscribers, key)
			}
		}
		h.connectionsMu.Unlock()
	}
	return ch, cancel
}

// broadcastLoop drains the event channel and fans events out to the
// session's SSE connections and websocket subscribers.
func (h *Handler) broadcastLoop() {
	slog.Info("quest broadcast loop started")
	for {
		select {
		case <-h.done:
			slog.Info("quest broadcast loop shutting down")
			return
		case ev, ok := <-h.broadcastChan:
			if !ok {
				slog.Info("quest broadcast channel closed, shutting down")
				return
			}

			if h.translog != nil {
				h.translog.Record(ev)
			}

			h.counterMu.Lock()
			h.eventCounter++
			eventID := h.eventCounter
			h.counterMu.Unlock()

			// Queue for replay after reconnect.
			h.eventQueue.Enqueue(ev.UserID, ev.SessionID, eventID, ev)

			key := sessionKey(ev.UserID, ev.SessionID)
			h.connectionsMu.RLock()
			conns := make([]*SSEConnection, 0, len(h.sseConnections[key]))
			for _, c := range h.sseConnections[key] {
				conns = append(conns, c)
			}
			subs := make([]chan Event, 0, len(h.subscribers[key]))
			for _, ch := range h.subscribers[key] {
				subs = append(subs, ch)
			}
			h.connectionsMu.RUnlock()

			for _, conn := range conns {
				h.sendToConnection(conn, eventID, ev)
			}
			for _, ch := range subs {
				select {
				case ch <- ev:
				default:
					slog.Warn("quest subscriber channel full, dropping event",
						"user_id", ev.UserID, "session_id", ev.SessionID)
				}
			}
		}
	}
}

// sendToConnection writes one event to a specific SSE connection.
func (h *Handler) sendToConnection(conn *SSEConnection, eventID int64, ev Event) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal SSE event", "error", err, "conn_id", conn.ID)
		return
	}

	if _, err := fmt.Fprintf(conn.Writer, "id: %d\nevent: %s\ndata: %s\n\n", eventID, ev.Type, data); err != nil {
		slog.Error("failed to write to SSE connection",
			"error", err,
			"conn_id", conn.ID,
			"user_id", conn.UserID)
		return
	}

	conn.Flusher.Flush()
	conn.EventID = eventID
}

// HandleStart handles POST /api/quest/start. Starting a quest replaces any
// existing one for the session and discards its transcript.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	q := h.registry.Start(r.Context(), userID, sessionID)
	h.writeSnapshot(w, http.StatusCreated, q.Snapshot())
}

// HandleState handles GET /api/quest/state.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	q := h.registry.Get(userID, sessionID)
	if q == nil {
		http.Error(w, `{"error": "no active quest"}`, http.StatusNotFound)
		return
	}
	h.writeSnapshot(w, http.StatusOK, q.Snapshot())
}

// HandleArrive handles POST /api/quest/arrive.
func (h *Handler) HandleArrive(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(q *Quest) error {
		return q.ConfirmArrival(r.Context())
	})
}

// HandleInquiry handles POST /api/quest/inquiry.
func (h *Handler) HandleInquiry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Interested bool `json:"interested"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	h.transition(w, r, func(q *Quest) error {
		return q.AnswerInquiry(r.Context(), req.Interested)
	})
}

// HandleFound handles POST /api/quest/found.
func (h *Handler) HandleFound(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Found bool `json:"found"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	h.transition(w, r, func(q *Quest) error {
		return q.AnswerFindItem(r.Context(), req.Found)
	})
}

// HandleCheckout handles POST /api/quest/checkout.
func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(q *Quest) error {
		return q.ConfirmCheckout(r.Context())
	})
}

// transition runs one transition operation with shared auth, rate limiting,
// error mapping and persistence.
func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(q *Quest) error) {
	userID, sessionID, ok := h.authorize(w, r)
	if !ok {
		return
	}

	q := h.registry.Get(userID, sessionID)
	if q == nil {
		http.Error(w, `{"error": "no active quest"}`, http.StatusNotFound)
		return
	}

	if err := op(q); err != nil {
		switch {
		case errors.Is(err, ErrInvalidTransition):
			http.Error(w, `{"error": "invalid transition"}`, http.StatusConflict)
		case errors.Is(err, ErrQuestBusy):
			http.Error(w, `{"error": "quest busy"}`, http.StatusConflict)
		case errors.Is(err, context.Canceled), r.Context().Err() != nil:
			// Client went away or the quest was torn down mid-dispatch;
			// the messages appended so far stand, nothing to report.
		default:
			slog.Error("quest transition failed", "user_id", userID, "session_id", sessionID, "error", err)
			http.Error(w, `{"error": "transition failed"}`, http.StatusInternalServerError)
		}
		return
	}

	if err := h.registry.Persist(r.Context(), q); err != nil {
		slog.Warn("failed to persist quest after transition",
			"user_id", userID, "session_id", sessionID, "error", err)
	}

	snap := q.Snapshot()
	if snap.Stage.Terminal() {
		if err := h.registry.Complete(r.Context(), q); err != nil {
			slog.Warn("failed to record quest purchases",
				"user_id", userID, "session_id", sessionID, "error", err)
		}
	}

	h.writeSnapshot(w, http.StatusOK, snap)
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) (userID, sessionID string, ok bool) {
	userID = identity.UserIDFromContext(r.Context())
	sessionID = identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return "", "", false
	}
	if !h.rateLimiter.Allow(userID) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return "", "", false
	}
	return userID, sessionID, true
}

func (h *Handler) writeSnapshot(w http.ResponseWriter, status int, snap Snapshot) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		slog.Warn("failed to encode quest snapshot", "error", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

// HandleStream handles the SSE stream of quest events. Supports:
// - Event ID tracking for message replay
// - Client retry timing
// - Missed event recovery via Last-Event-ID.
//
//nolint:gocognit // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	streamKey := sessionKey(userID, sessionID)
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	slog.Info("quest stream connected", "user_id", userID, "session_id", sessionID)

	// Parse Last-Event-ID header or query param for replay.
	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			slog.Info("SSE client reconnecting with Last-Event-ID",
				"user_id", userID,
				"last_event_id", lastEventID)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	if _, err := io.WriteString(w, "retry: 5000\n\n"); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &SSEConnection{
		ID:          connID,
		UserID:      userID,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		LastEventID: lastEventID,
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}

	h.connectionsMu.Lock()
	if _, exists := h.sseConnections[streamKey]; !exists {
		h.sseConnections[streamKey] = make(map[int64]*SSEConnection)
	}
	h.sseConnections[streamKey][connID] = conn
	h.connectionsMu.Unlock()

	defer func() {
		h.connectionsMu.Lock()
		if conns, exists := h.sseConnections[streamKey]; exists {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(h.sseConnections, streamKey)
			}
		}
		h.connectionsMu.Unlock()
		h.eventQueue.Prune(userID, sessionID)
		slog.Info("SSE connection closed", "user_id", userID, "session_id", sessionID, "conn_id", connID)
	}()

	// Replay missed events on reconnect.
	if lastEventID > 0 {
		missed := h.eventQueue.GetMissedEvents(userID, sessionID, lastEventID)
		if len(missed) > 0 {
			slog.Info("replaying missed quest events",
				"user_id", userID,
				"session_id", sessionID,
				"count", len(missed))
			for _, ev := range missed {
				h.sendToConnection(conn, ev.EventID, ev.Event)
			}
		}
	}

	h.counterMu.Lock()
	h.eventCounter++
	eventID := h.eventCounter
	h.counterMu.Unlock()

	conn.EventID = eventID
	connectedData := fmt.Sprintf(`{"status":"connected","user_id":"%s","event_id":%d}`, userID, eventID)
	if err := writeSSEWithID(w, eventID, "connected", connectedData); err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(10 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("quest stream disconnected", "user_id", userID, "session_id", sessionID)
			return
		case <-conn.Done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				conn.mu.Unlock()
				slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
			conn.mu.Unlock()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

package quest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashida/shopquest/internal/domain"
)

// Config holds the pacing knobs of a quest conversation.
type Config struct {
	TypingInterval time.Duration // per-character reveal tick
	DispatchPause  time.Duration // extra pause after each scripted message
	SettleDelay    time.Duration // pause after the arrival confirmation
	Clock          Clock
}

func (c Config) withDefaults() Config {
	if c.TypingInterval <= 0 {
		c.TypingInterval = 50 * time.Millisecond
	}
	if c.DispatchPause < 0 {
		c.DispatchPause = 0
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.Clock == nil {
		c.Clock = RealClock
	}
	return c
}

// Quest is one guided shopping session. It owns the transcript and item
// list exclusively: all mutation flows through the four transition
// operations, each legal in exactly one stage. Transitions run their
// scripted dispatch on the calling goroutine and are not re-entrant; a
// second call while one is in flight is rejected with ErrQuestBusy.
type Quest struct {
	userID    string
	sessionID string

	mu         sync.Mutex
	stage      domain.Stage
	items      []domain.QuestItem
	current    int
	transcript []domain.Message
	mapVisible bool
	busy       bool
	degraded   bool
	createdAt  time.Time
	lastActive time.Time

	maps   mapSync
	disp   *dispatcher
	settle time.Duration
	sink   EventSink
	logger *slog.Logger

	lifeCtx context.Context
	stop    context.CancelFunc
}

// New seeds a quest for the user's session. The provider is consulted once;
// if it fails or returns nothing the quest starts degraded with zero items
// rather than failing the session.
func New(ctx context.Context, userID, sessionID string, provider ListProvider, cfg Config, sink EventSink, logger *slog.Logger) *Quest {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = func(Event) {}
	}
	if logger == nil {
		logger = slog.Default()
	}

	lifeCtx, stop := context.WithCancel(context.Background())
	now := time.Now()
	q := &Quest{
		userID:     userID,
		sessionID:  sessionID,
		stage:      domain.StageArrival,
		settle:     cfg.SettleDelay,
		sink:       sink,
		logger:     logger.With("user_id", userID, "quest_session_id", sessionID),
		createdAt:  now,
		lastActive: now,
		lifeCtx:    lifeCtx,
		stop:       stop,
	}
	q.disp = &dispatcher{
		clock:          cfg.Clock,
		typingInterval: cfg.TypingInterval,
		dispatchPause:  cfg.DispatchPause,
		append:         q.appendMessage,
	}

	items, err := provider.FetchItems(ctx, userID)
	if err != nil {
		q.degraded = true
		q.logger.Warn("quest starting without items", "error", err)
	}
	q.items = items

	q.appendMessage(domain.SystemMessage(lineGreeting))
	return q
}

// UserID returns the owning user's ID.
func (q *Quest) UserID() string { return q.userID }

// SessionID returns the per-tab session ID.
func (q *Quest) SessionID() string { return q.sessionID }

// ConfirmArrival is legal only in the Arrival stage. It appends the user's
// "I'm here" line, waits a settle delay, dispatches the list recap, reveals
// the map, asks the promotional inquiry question and advances to Inquiry.
func (q *Quest) ConfirmArrival(ctx context.Context) error {
	release, err := q.begin(domain.StageArrival)
	if err != nil {
		return err
	}
	defer release()

	ctx, detach := q.joined(ctx)
	defer detach()

	q.appendMessage(domain.UserMessage(lineArrivalAck))
	if err := q.disp.wait(ctx, q.settle); err != nil {
		return err
	}

	if err := q.disp.dispatch(ctx, recapSequence(q.itemsCopy())); err != nil {
		return err
	}
	q.revealMap()

	if err := q.disp.dispatch(ctx, []domain.Message{domain.SystemMessage(lineInquiryPrompt)}); err != nil {
		return err
	}
	q.setStage(domain.StageInquiry)
	return nil
}

// AnswerInquiry is legal only in the Inquiry stage. It appends the user's
// answer, dispatches the matching scripted reply, then either asks about
// the first item (FindItem) or, with an empty list, goes straight to the
// checkout instructions.
func (q *Quest) AnswerInquiry(ctx context.Context, interested bool) error {
	release, err := q.begin(domain.StageInquiry)
	if err != nil {
		return err
	}
	defer release()

	ctx, detach := q.joined(ctx)
	defer detach()

	answer := lineInquiryNo
	if interested {
		answer = lineInquiryYes
	}
	userMsg := domain.UserMessage(answer)
	q.appendMessage(userMsg)
	if err := q.disp.wait(ctx, q.disp.delay(userMsg)); err != nil {
		return err
	}

	if err := q.disp.dispatch(ctx, promoSequence(interested)); err != nil {
		return err
	}

	if len(q.itemsCopy()) == 0 {
		if err := q.disp.dispatch(ctx, checkoutSequence()); err != nil {
			return err
		}
		q.setStage(domain.StageCheckout)
		return nil
	}

	q.setStage(domain.StageFindItem)
	q.appendMessage(domain.SystemMessage(askLine(q.currentItem())))
	return nil
}

// AnswerFindItem is legal only in the FindItem stage. A "not found" answer
// self-loops: encouragement, then the same item is asked about again. A
// "found" answer marks the current item scanned exactly once, then either
// advances to the next item or, after the last one, dispatches the checkout
// instructions and moves to Checkout.
func (q *Quest) AnswerFindItem(ctx context.Context, found bool) error {
	release, err := q.begin(domain.StageFindItem)
	if err != nil {
		return err
	}
	defer release()

	ctx, detach := q.joined(ctx)
	defer detach()

	if !found {
		encourage := domain.SystemMessage(lineNotFoundYet)
		q.appendMessage(encourage)
		if err := q.disp.wait(ctx, q.disp.delay(encourage)); err != nil {
			return err
		}
		q.appendMessage(domain.SystemMessage(askLine(q.currentItem())))
		return nil
	}

	item := q.markCurrentScanned()
	congrats := domain.SystemMessage(foundLine(item))
	q.appendMessage(congrats)
	if err := q.disp.wait(ctx, q.disp.delay(congrats)); err != nil {
		return err
	}

	if q.advanceItem() {
		q.appendMessage(domain.SystemMessage(askLine(q.currentItem())))
		return nil
	}

	q.setStage(domain.StageCheckout)
	return q.disp.dispatch(ctx, checkoutSequence())
}

// ConfirmCheckout is legal only in the Checkout stage. It dispatches the
// closing lines and moves the quest to its terminal Done stage.
func (q *Quest) ConfirmCheckout(ctx context.Context) error {
	release, err := q.begin(domain.StageCheckout)
	if err != nil {
		return err
	}
	defer release()

	ctx, detach := q.joined(ctx)
	defer detach()

	if err := q.disp.dispatch(ctx, closingSequence()); err != nil {
		return err
	}
	q.setStage(domain.StageDone)
	return nil
}

// Stage returns the current stage.
func (q *Quest) Stage() domain.Stage {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stage
}

// LastActive returns when the quest last saw a transition or was created.
func (q *Quest) LastActive() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastActive
}

// Snapshot returns a read-only copy of the whole quest state.
func (q *Quest) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	transcript := make([]domain.Message, len(q.transcript))
	copy(transcript, q.transcript)
	items := make([]domain.QuestItem, len(q.items))
	copy(items, q.items)

	return Snapshot{
		UserID:           q.userID,
		SessionID:        q.sessionID,
		Stage:            q.stage,
		Transcript:       transcript,
		Items:            items,
		CurrentIndex:     q.current,
		Markers:          q.maps.markers(items, q.current),
		MapVisible:       q.mapVisible,
		ResponsesEnabled: !q.busy && q.stage != domain.StageDone,
		Degraded:         q.degraded,
	}
}

// Record serializes the quest for persistence.
func (q *Quest) Record() (*domain.QuestRecord, error) {
	snap := q.Snapshot()

	transcriptJSON, err := json.Marshal(snap.Transcript)
	if err != nil {
		return nil, fmt.Errorf("marshal transcript: %w", err)
	}
	itemsJSON, err := json.Marshal(snap.Items)
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}

	q.mu.Lock()
	createdAt := q.createdAt
	lastActive := q.lastActive
	q.mu.Unlock()

	return &domain.QuestRecord{
		UserID:         q.userID,
		SessionID:      q.sessionID,
		Stage:          snap.Stage,
		CurrentIndex:   snap.CurrentIndex,
		TranscriptJSON: string(transcriptJSON),
		ItemsJSON:      string(itemsJSON),
		CreatedAt:      createdAt,
		UpdatedAt:      lastActive,
	}, nil
}

// Close tears the quest down, cancelling any in-flight dispatch timers.
// Abandoned dispatches end silently; no stale append can reach the
// transcript afterwards.
func (q *Quest) Close() {
	q.stop()
}

// begin validates the stage guard and claims the single transition slot.
// Both checks happen under the lock before any mutation, so a rejected
// call leaves the quest untouched.
func (q *Quest) begin(want domain.Stage) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stage != want {
		return nil, fmt.Errorf("%w: in %q, operation requires %q", ErrInvalidTransition, q.stage, want)
	}
	if q.busy {
		return nil, ErrQuestBusy
	}
	if q.lifeCtx.Err() != nil {
		return nil, fmt.Errorf("%w: quest closed", ErrInvalidTransition)
	}
	q.busy = true
	q.lastActive = time.Now()

	return func() {
		q.mu.Lock()
		q.busy = false
		q.lastActive = time.Now()
		q.mu.Unlock()
	}, nil
}

// joined derives a context cancelled by either the caller or quest teardown.
func (q *Quest) joined(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	unhook := context.AfterFunc(q.lifeCtx, cancel)
	return merged, func() {
		unhook()
		cancel()
	}
}

func (q *Quest) appendMessage(msg domain.Message) {
	q.mu.Lock()
	if q.lifeCtx.Err() != nil {
		q.mu.Unlock()
		return
	}
	q.transcript = append(q.transcript, msg)
	q.mu.Unlock()

	q.sink(Event{
		Type:      EventMessage,
		UserID:    q.userID,
		SessionID: q.sessionID,
		Message:   &msg,
	})
}

func (q *Quest) setStage(stage domain.Stage) {
	q.mu.Lock()
	q.stage = stage
	q.mu.Unlock()

	q.sink(Event{
		Type:      EventStage,
		UserID:    q.userID,
		SessionID: q.sessionID,
		Stage:     stage,
	})
}

func (q *Quest) revealMap() {
	q.mu.Lock()
	q.mapVisible = true
	q.maps.assign(q.items)
	markers := q.maps.markers(q.items, q.current)
	q.mu.Unlock()

	q.sink(Event{
		Type:      EventMapReveal,
		UserID:    q.userID,
		SessionID: q.sessionID,
		Markers:   markers,
	})
}

func (q *Quest) emitMarkers() {
	q.mu.Lock()
	markers := q.maps.markers(q.items, q.current)
	q.mu.Unlock()

	q.sink(Event{
		Type:      EventMarkers,
		UserID:    q.userID,
		SessionID: q.sessionID,
		Markers:   markers,
	})
}

func (q *Quest) itemsCopy() []domain.QuestItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]domain.QuestItem, len(q.items))
	copy(items, q.items)
	return items
}

func (q *Quest) currentItem() domain.QuestItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items[q.current]
}

// markCurrentScanned flips the current item's scanned flag and returns it.
func (q *Quest) markCurrentScanned() domain.QuestItem {
	q.mu.Lock()
	q.items[q.current].Scanned = true
	item := q.items[q.current]
	q.mu.Unlock()

	q.emitMarkers()
	return item
}

// advanceItem moves the cursor to the next item if one remains, reporting
// whether it did. The index never decreases and never leaves the list.
func (q *Quest) advanceItem() bool {
	q.mu.Lock()
	if q.current+1 >= len(q.items) {
		q.mu.Unlock()
		return false
	}
	q.current++
	q.mu.Unlock()

	q.emitMarkers()
	return true
}

// ScannedItems returns the items picked up so far, in list order.
func (q *Quest) ScannedItems() []domain.QuestItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	var scanned []domain.QuestItem
	for _, item := range q.items {
		if item.Scanned {
			scanned = append(scanned, item)
		}
	}
	return scanned
}

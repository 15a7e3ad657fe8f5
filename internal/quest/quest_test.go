package quest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ashida/shopquest/internal/domain"
)

// fakeClock satisfies every wait immediately while recording the requested
// durations, so pacing can be asserted without real sleeping.
type fakeClock struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *fakeClock) durations() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.waits))
	copy(out, c.waits)
	return out
}

// manualClock blocks every wait until the test fires it, for exercising
// in-flight transitions.
type manualClock struct {
	asked chan time.Duration
	fire  chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{
		asked: make(chan time.Duration, 64),
		fire:  make(chan time.Time),
	}
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	c.asked <- d
	return c.fire
}

type staticProvider struct {
	items []domain.QuestItem
	err   error
}

func (p staticProvider) FetchItems(context.Context, string) ([]domain.QuestItem, error) {
	return p.items, p.err
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

const (
	testInterval = 50 * time.Millisecond
	testPause    = 500 * time.Millisecond
	testSettle   = time.Second
)

func testConfig(clock Clock) Config {
	return Config{
		TypingInterval: testInterval,
		DispatchPause:  testPause,
		SettleDelay:    testSettle,
		Clock:          clock,
	}
}

func groceries() []domain.QuestItem {
	return []domain.QuestItem{
		{ID: 1, Name: "milk", Location: "Dairy"},
		{ID: 2, Name: "bread", Location: "Bakery"},
	}
}

func messageDelay(text string) time.Duration {
	return time.Duration(utf8.RuneCountInString(text))*testInterval + testPause
}

func transcriptTexts(q *Quest) []string {
	snap := q.Snapshot()
	texts := make([]string, 0, len(snap.Transcript))
	for _, m := range snap.Transcript {
		texts = append(texts, string(m.Speaker)+": "+m.Text)
	}
	return texts
}

func TestNewQuestSeedsGreeting(t *testing.T) {
	q := New(context.Background(), "u1", "s1", staticProvider{items: groceries()}, testConfig(&fakeClock{}), nil, nil)
	defer q.Close()

	snap := q.Snapshot()
	if snap.Stage != domain.StageArrival {
		t.Fatalf("expected arrival stage, got %q", snap.Stage)
	}
	if len(snap.Transcript) != 1 {
		t.Fatalf("expected 1 seeded message, got %d", len(snap.Transcript))
	}
	if snap.Transcript[0].Speaker != domain.SpeakerSystem || snap.Transcript[0].Text != lineGreeting {
		t.Errorf("unexpected greeting: %+v", snap.Transcript[0])
	}
	if !snap.ResponsesEnabled {
		t.Error("expected responses enabled on a fresh quest")
	}
	if snap.MapVisible {
		t.Error("map must stay hidden before arrival")
	}
}

func TestFullQuestScenario(t *testing.T) {
	clock := &fakeClock{}
	rec := &eventRecorder{}
	ctx := context.Background()
	q := New(ctx, "u1", "s1", staticProvider{items: groceries()}, testConfig(clock), rec.sink, nil)
	defer q.Close()

	if err := q.ConfirmArrival(ctx); err != nil {
		t.Fatalf("ConfirmArrival: %v", err)
	}
	if got := q.Stage(); got != domain.StageInquiry {
		t.Fatalf("after arrival expected inquiry, got %q", got)
	}
	if err := q.AnswerInquiry(ctx, true); err != nil {
		t.Fatalf("AnswerInquiry: %v", err)
	}
	if got := q.Stage(); got != domain.StageFindItem {
		t.Fatalf("after inquiry expected find_item, got %q", got)
	}
	if err := q.AnswerFindItem(ctx, false); err != nil {
		t.Fatalf("AnswerFindItem(not found): %v", err)
	}
	if got := q.Stage(); got != domain.StageFindItem {
		t.Fatalf("not-found must stay in find_item, got %q", got)
	}
	if err := q.AnswerFindItem(ctx, true); err != nil {
		t.Fatalf("AnswerFindItem(milk): %v", err)
	}
	if err := q.AnswerFindItem(ctx, true); err != nil {
		t.Fatalf("AnswerFindItem(bread): %v", err)
	}
	if got := q.Stage(); got != domain.StageCheckout {
		t.Fatalf("after last item expected checkout, got %q", got)
	}
	if err := q.ConfirmCheckout(ctx); err != nil {
		t.Fatalf("ConfirmCheckout: %v", err)
	}
	if got := q.Stage(); got != domain.StageDone {
		t.Fatalf("expected done, got %q", got)
	}

	want := []string{
		"system: " + lineGreeting,
		"user: " + lineArrivalAck,
		"system: " + lineListIntro,
		"system: " + lineListHeader,
		"system: [1] milk - Dairy",
		"system: [2] bread - Bakery",
		"system: " + lineMapReveal,
		"system: " + lineInquiryPrompt,
		"user: " + lineInquiryYes,
		"system: " + linePromoOne,
		"system: " + linePromoTwo,
		`system: Did you find "milk"?`,
		"system: " + lineNotFoundYet,
		`system: Did you find "milk"?`,
		`system: Nice work! "milk" is in the basket!`,
		`system: Did you find "bread"?`,
		`system: Nice work! "bread" is in the basket!`,
		"system: " + lineCheckoutOne,
		"system: " + lineCheckoutTwo,
		"system: " + lineCheckoutThree,
		"system: " + lineClosingOne,
		"system: " + lineClosingTwo,
	}
	got := transcriptTexts(q)
	if len(got) != len(want) {
		t.Fatalf("transcript length mismatch: got %d, want %d\n%v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transcript[%d]: got %q, want %q", i, got[i], want[i])
		}
	}

	scanned := q.ScannedItems()
	if len(scanned) != 2 {
		t.Fatalf("expected 2 scanned items, got %d", len(scanned))
	}

	snap := q.Snapshot()
	if snap.ResponsesEnabled {
		t.Error("responses must be disabled after done")
	}
	if !snap.MapVisible {
		t.Error("map must stay visible after reveal")
	}

	// Done is terminal.
	if err := q.ConfirmCheckout(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition after done, got %v", err)
	}

	var stages []domain.Stage
	for _, ev := range rec.all() {
		if ev.Type == EventStage {
			stages = append(stages, ev.Stage)
		}
	}
	wantStages := []domain.Stage{domain.StageInquiry, domain.StageFindItem, domain.StageCheckout, domain.StageDone}
	if len(stages) != len(wantStages) {
		t.Fatalf("stage events: got %v, want %v", stages, wantStages)
	}
	for i := range wantStages {
		if stages[i] != wantStages[i] {
			t.Errorf("stage event %d: got %q, want %q", i, stages[i], wantStages[i])
		}
	}
}

func TestArrivalPacing(t *testing.T) {
	clock := &fakeClock{}
	ctx := context.Background()
	q := New(ctx, "u1", "s1", staticProvider{items: groceries()}, testConfig(clock), nil, nil)
	defer q.Close()

	if err := q.ConfirmArrival(ctx); err != nil {
		t.Fatalf("ConfirmArrival: %v", err)
	}

	want := []time.Duration{
		testSettle,
		messageDelay(lineListIntro),
		messageDelay(lineListHeader),
		messageDelay("[1] milk - Dairy"),
		messageDelay("[2] bread - Bakery"),
		messageDelay(lineMapReveal),
		messageDelay(lineInquiryPrompt),
	}
	got := clock.durations()
	if len(got) != len(want) {
		t.Fatalf("wait count: got %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("wait[%d]: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFindItemPromptDelayIsPerCharacter(t *testing.T) {
	clock := &fakeClock{}
	ctx := context.Background()
	q := New(ctx, "u1", "s1", staticProvider{items: groceries()}, testConfig(clock), nil, nil)
	defer q.Close()

	if err := q.ConfirmArrival(ctx); err != nil {
		t.Fatalf("ConfirmArrival: %v", err)
	}
	if err := q.AnswerInquiry(ctx, false); err != nil {
		t.Fatalf("AnswerInquiry: %v", err)
	}
	before := len(clock.durations())
	if err := q.AnswerFindItem(ctx, true); err != nil {
		t.Fatalf("AnswerFindItem: %v", err)
	}

	got := clock.durations()[before:]
	// `Nice work! "milk" is in the basket!` has 35 characters.
	wantFirst := 35*testInterval + testPause
	if len(got) == 0 || got[0] != wantFirst {
		t.Fatalf("found-line wait: got %v, want %v", got, wantFirst)
	}
}

func TestGuardRejectionLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	q := New(ctx, "u1", "s1", staticProvider{items: groceries()}, testConfig(&fakeClock{}), nil, nil)
	defer q.Close()

	before := q.Snapshot()

	if err := q.AnswerInquiry(ctx, true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := q.AnswerFindItem(ctx, true); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := q.ConfirmCheckout(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	after := q.Snapshot()
	if after.Stage != before.Stage {
		t.Errorf("stage changed on rejected transition: %q -> %q", before.Stage, after.Stage)
	}
	if len(after.Transcript) != len(before.Transcript) {
		t.Errorf("transcript grew on rejected transition: %d -> %d", len(before.Transcript), len(after.Transcript))
	}
	for i, item := range after.Items {
		if item.Scanned != before.Items[i].Scanned {
			t.Errorf("item %d scanned flag changed on rejected transition", i)
		}
	}
}

func TestConcurrentTransitionRejectedAsBusy(t *testing.T) {
	clock := newManualClock()
	ctx := context.Background()
	q := New(ctx, "u1", "s1", staticProvider{items: groceries()}, testConfig(clock), nil, nil)
	defer q.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.ConfirmArrival(ctx)
	}()

	// First wait is the settle delay; once requested the transition is in
	// flight and holds the busy slot.
	select {
	case d := <-clock.asked:
		if d != testSettle {
			t.Errorf("first wait: got %v, want %v", d, testSettle)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transition never reached its first wait")
	}

	if err := q.ConfirmArrival(ctx); !errors.Is(err, ErrQuestBusy) {
		t.Fatalf("expected ErrQuestBusy, got %v", err)
	}

	// Tear down; the in-flight dispatch ends silently with a cancellation.
	q.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled from abandoned dispatch, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned transition never returned")
	}
}

func TestCloseStopsTranscriptMutation(t *testing.T) {
	clock := newManualClock()
	ctx := context.Background()
	q := New(ctx, "u1", "s1", staticProvider{items: groceries()}, testConfig(clock), nil, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.ConfirmArrival(ctx)
	}()

	select {
	case <-clock.asked:
	case <-time.After(2 * time.Second):
		t.Fatal("transition never reached its first wait")
	}

	lenBefore := len(q.Snapshot().Transcript)
	q.Close()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned transition never returned")
	}

	if got := len(q.Snapshot().Transcript); got != lenBefore {
		t.Errorf("transcript mutated after close: %d -> %d", lenBefore, got)
	}
	if err := q.ConfirmArrival(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on a closed quest, got %v", err)
	}
}

func TestEmptyListSkipsFindItem(t *testing.T) {
	ctx := context.Background()
	q := New(ctx, "u1", "s1", staticProvider{}, testConfig(&fakeClock{}), nil, nil)
	defer q.Close()

	if err := q.ConfirmArrival(ctx); err != nil {
		t.Fatalf("ConfirmArrival: %v", err)
	}
	if err := q.AnswerInquiry(ctx, false); err != nil {
		t.Fatalf("AnswerInquiry: %v", err)
	}
	if got := q.Stage(); got != domain.StageCheckout {
		t.Fatalf("empty list must go straight to checkout, got %q", got)
	}

	texts := transcriptTexts(q)
	foundEmptyLine := false
	for _, txt := range texts {
		if txt == "system: "+lineListEmpty {
			foundEmptyLine = true
		}
		if txt == "system: "+lineListHeader {
			t.Error("empty list must not render a list header")
		}
	}
	if !foundEmptyLine {
		t.Errorf("missing empty-list line in transcript: %v", texts)
	}

	if err := q.ConfirmCheckout(ctx); err != nil {
		t.Fatalf("ConfirmCheckout: %v", err)
	}
	if got := q.Stage(); got != domain.StageDone {
		t.Fatalf("expected done, got %q", got)
	}
	if len(q.ScannedItems()) != 0 {
		t.Error("empty quest must not record scanned items")
	}
}

func TestProviderFailureDegradesQuest(t *testing.T) {
	ctx := context.Background()
	q := New(ctx, "u1", "s1", staticProvider{err: errors.New("backend down")}, testConfig(&fakeClock{}), nil, nil)
	defer q.Close()

	snap := q.Snapshot()
	if !snap.Degraded {
		t.Error("expected degraded flag after provider failure")
	}
	if len(snap.Items) != 0 {
		t.Errorf("expected no items, got %d", len(snap.Items))
	}

	// The conversation still works end to end.
	if err := q.ConfirmArrival(ctx); err != nil {
		t.Fatalf("ConfirmArrival on degraded quest: %v", err)
	}
	if err := q.AnswerInquiry(ctx, true); err != nil {
		t.Fatalf("AnswerInquiry on degraded quest: %v", err)
	}
	if got := q.Stage(); got != domain.StageCheckout {
		t.Fatalf("expected checkout, got %q", got)
	}
}

func TestMarkerPositionsAreImmutable(t *testing.T) {
	ctx := context.Background()
	q := New(ctx, "u1", "s1", staticProvider{items: groceries()}, testConfig(&fakeClock{}), nil, nil)
	defer q.Close()

	if err := q.ConfirmArrival(ctx); err != nil {
		t.Fatalf("ConfirmArrival: %v", err)
	}

	before := q.Snapshot().Markers
	if len(before) != 2 {
		t.Fatalf("expected 2 markers after map reveal, got %d", len(before))
	}
	if !before[0].Current {
		t.Error("first marker must be current")
	}
	if before[1].Current {
		t.Error("second marker must not be current yet")
	}

	if err := q.AnswerInquiry(ctx, false); err != nil {
		t.Fatalf("AnswerInquiry: %v", err)
	}
	if err := q.AnswerFindItem(ctx, true); err != nil {
		t.Fatalf("AnswerFindItem: %v", err)
	}

	after := q.Snapshot().Markers
	for i := range before {
		if after[i].Position != before[i].Position {
			t.Errorf("marker %d moved: %+v -> %+v", i, before[i].Position, after[i].Position)
		}
	}
	if !after[0].Scanned {
		t.Error("first marker must be scanned")
	}
	if after[0].Current {
		t.Error("scanned marker must not stay current")
	}
	if !after[1].Current {
		t.Error("cursor must advance to the second marker")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := New(ctx, "u1", "s1", staticProvider{items: groceries()}, testConfig(&fakeClock{}), nil, nil)
	defer q.Close()

	if err := q.ConfirmArrival(ctx); err != nil {
		t.Fatalf("ConfirmArrival: %v", err)
	}

	rec, err := q.Record()
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.UserID != "u1" || rec.SessionID != "s1" {
		t.Errorf("record identity mismatch: %+v", rec)
	}
	if rec.Stage != domain.StageInquiry {
		t.Errorf("record stage: got %q, want inquiry", rec.Stage)
	}
	if rec.TranscriptJSON == "" || rec.ItemsJSON == "" {
		t.Error("record must carry serialized transcript and items")
	}
}

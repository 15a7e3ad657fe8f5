package quest

import (
	"context"
	"iter"
	"sync"
	"time"
)

// Typewriter produces the character-reveal animation for a single message:
// a lazy, finite sequence of ever-longer prefixes of the text, one rune per
// tick. Starting a new reveal cancels any reveal still in flight, so a
// message swap never leaves a stale timer mutating old output.
type Typewriter struct {
	interval time.Duration
	clock    Clock

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewTypewriter creates a typewriter revealing one rune per interval.
func NewTypewriter(interval time.Duration, clock Clock) *Typewriter {
	if clock == nil {
		clock = RealClock
	}
	return &Typewriter{interval: interval, clock: clock}
}

// Reveal returns the prefix sequence for text. The empty prefix is yielded
// immediately; each subsequent prefix arrives one tick later. The sequence
// ends after the full text, or early if ctx is cancelled or a newer Reveal
// supersedes this one. Early termination is silent, not an error.
func (t *Typewriter) Reveal(ctx context.Context, text string) iter.Seq[string] {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	runes := []rune(text)
	return func(yield func(string) bool) {
		defer cancel()
		for i := 0; i <= len(runes); i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return
				case <-t.clock.After(t.interval):
				}
			}
			if !yield(string(runes[:i])) {
				return
			}
		}
	}
}

// Stop cancels any reveal in flight.
func (t *Typewriter) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

package quest

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/ashida/shopquest/internal/domain"
)

// dispatcher appends scripted messages to the transcript one at a time,
// waiting after each append so the typing animation on the other end can
// finish before the next line lands. Messages never interleave: dispatch is
// a strictly sequential append-then-wait chain.
type dispatcher struct {
	clock          Clock
	typingInterval time.Duration
	dispatchPause  time.Duration
	append         func(domain.Message)
}

// delay is the pacing contract shared with the typewriter: the reveal takes
// one typing interval per character, plus a fixed pause before the next
// message starts.
func (d *dispatcher) delay(msg domain.Message) time.Duration {
	return time.Duration(utf8.RuneCountInString(msg.Text))*d.typingInterval + d.dispatchPause
}

// dispatch appends each message in order, suspending for delay(msg) between
// appends. An empty sequence completes immediately. Cancellation via ctx
// abandons the remaining waits; messages already appended stay appended.
func (d *dispatcher) dispatch(ctx context.Context, msgs []domain.Message) error {
	for _, msg := range msgs {
		d.append(msg)
		if err := d.wait(ctx, d.delay(msg)); err != nil {
			return err
		}
	}
	return nil
}

// wait suspends for dur or until ctx is cancelled.
func (d *dispatcher) wait(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.clock.After(dur):
		return nil
	}
}

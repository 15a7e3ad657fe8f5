package quest

import (
	"context"
	"testing"
	"time"
)

func TestTypewriterRevealsPrefixes(t *testing.T) {
	tw := NewTypewriter(50*time.Millisecond, &fakeClock{})

	var got []string
	for prefix := range tw.Reveal(context.Background(), "hey") {
		got = append(got, prefix)
	}

	want := []string{"", "h", "he", "hey"}
	if len(got) != len(want) {
		t.Fatalf("prefix count: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("prefix[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTypewriterRevealsWholeRunes(t *testing.T) {
	tw := NewTypewriter(50*time.Millisecond, &fakeClock{})

	var got []string
	for prefix := range tw.Reveal(context.Background(), "牛乳") {
		got = append(got, prefix)
	}

	want := []string{"", "牛", "牛乳"}
	if len(got) != len(want) {
		t.Fatalf("prefix count: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("prefix[%d]: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTypewriterEmptyTextYieldsEmptyPrefixOnly(t *testing.T) {
	clock := &fakeClock{}
	tw := NewTypewriter(50*time.Millisecond, clock)

	var got []string
	for prefix := range tw.Reveal(context.Background(), "") {
		got = append(got, prefix)
	}
	if len(got) != 1 || got[0] != "" {
		t.Errorf("expected a single empty prefix, got %v", got)
	}
	if waits := clock.durations(); len(waits) != 0 {
		t.Errorf("empty reveal must not tick, got %v", waits)
	}
}

func TestTypewriterNewRevealCancelsInFlight(t *testing.T) {
	clock := newManualClock()
	tw := NewTypewriter(50*time.Millisecond, clock)

	firstDone := make(chan []string, 1)
	go func() {
		var got []string
		for prefix := range tw.Reveal(context.Background(), "abandoned") {
			got = append(got, prefix)
		}
		firstDone <- got
	}()

	// Wait until the first reveal is mid-flight between ticks.
	select {
	case <-clock.asked:
	case <-time.After(2 * time.Second):
		t.Fatal("first reveal never reached a tick")
	}

	second := tw.Reveal(context.Background(), "winner")

	select {
	case got := <-firstDone:
		if len(got) == 0 || got[len(got)-1] == "abandoned" {
			t.Errorf("superseded reveal must end early, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded reveal never terminated")
	}

	// The new reveal still runs to completion.
	done := make(chan string, 1)
	go func() {
		last := ""
		for prefix := range second {
			last = prefix
		}
		done <- last
	}()
	for {
		select {
		case <-clock.asked:
			select {
			case clock.fire <- time.Now():
			case last := <-done:
				if last != "winner" {
					t.Errorf("second reveal ended at %q", last)
				}
				return
			}
		case last := <-done:
			if last != "winner" {
				t.Errorf("second reveal ended at %q", last)
			}
			return
		case <-time.After(2 * time.Second):
			t.Fatal("second reveal never completed")
		}
	}
}

func TestTypewriterStopEndsReveal(t *testing.T) {
	clock := newManualClock()
	tw := NewTypewriter(50*time.Millisecond, clock)

	done := make(chan struct{})
	go func() {
		for range tw.Reveal(context.Background(), "hello") {
		}
		close(done)
	}()

	select {
	case <-clock.asked:
	case <-time.After(2 * time.Second):
		t.Fatal("reveal never reached a tick")
	}

	tw.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stopped reveal never terminated")
	}
}

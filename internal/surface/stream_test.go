package surface

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/angrav/internal/driver/drivertest"
)

func newStreamPoller() *StreamPoller {
	return NewStreamPoller(NewStateProbe(), NewResponseExtractor(nil), nil)
}

func TestStreamPoller_DeltasConcatenateToFinal(t *testing.T) {
	fr := newTestFrame()
	fr.SetNode(selStopButton[0], &drivertest.Node{Visible: true})
	fr.SetNode(selAnswerBlock[0], &drivertest.Node{Text: "", Visible: true})

	// Grow the answer across polls, then go idle.
	go func() {
		stages := []string{"He", "Hello, wor", "Hello, world."}
		for _, s := range stages {
			time.Sleep(20 * time.Millisecond)
			fr.SetText(selAnswerBlock[0], s)
		}
		time.Sleep(20 * time.Millisecond)
		fr.SetVisible(selStopButton[0], false)
	}()

	var chunks []StreamChunk
	final, err := newStreamPoller().Poll(context.Background(), fr, func(c StreamChunk) error {
		chunks = append(chunks, c)
		return nil
	}, PollOptions{Interval: 10 * time.Millisecond, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if final != "Hello, world." {
		t.Fatalf("final = %q", final)
	}
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Content)
	}
	if b.String() != "Hello, world." {
		t.Fatalf("concatenated deltas = %q", b.String())
	}
	last := chunks[len(chunks)-1]
	if !last.IsComplete || last.State != StateIdle {
		t.Fatalf("last chunk = %+v", last)
	}
}

func TestStreamPoller_RequiresThinkingBeforeIdle(t *testing.T) {
	fr := newTestFrame()
	// Never thinking: poller must not complete on the initial idle.
	_, err := newStreamPoller().Poll(context.Background(), fr, func(StreamChunk) error { return nil },
		PollOptions{Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond})
	if !errors.Is(err, ErrStreamTimeout) {
		t.Fatalf("err = %v, want ErrStreamTimeout", err)
	}
}

func TestStreamPoller_ThinkingObservedCompletesOnImmediateIdle(t *testing.T) {
	fr := newTestFrame()
	// Generation finished before the first poll tick: no stop affordance,
	// answer already rendered.
	fr.SetNode(selAnswerBlock[0], &drivertest.Node{Text: "Done already.", Visible: true})

	var chunks []StreamChunk
	final, err := newStreamPoller().Poll(context.Background(), fr, func(c StreamChunk) error {
		chunks = append(chunks, c)
		return nil
	}, PollOptions{Interval: 10 * time.Millisecond, Timeout: time.Second, ThinkingObserved: true})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if final != "Done already." {
		t.Fatalf("final = %q", final)
	}
	last := chunks[len(chunks)-1]
	if !last.IsComplete || last.State != StateIdle {
		t.Fatalf("last chunk = %+v", last)
	}
}

func TestStreamPoller_ErrorState(t *testing.T) {
	fr := newTestFrame()
	fr.SetNode(selStopButton[0], &drivertest.Node{Visible: true})

	go func() {
		time.Sleep(30 * time.Millisecond)
		fr.SetVisible(selStopButton[0], false)
		fr.SetNode(selErrorToast[0], &drivertest.Node{Visible: true, Text: "model exploded"})
	}()

	var last StreamChunk
	_, err := newStreamPoller().Poll(context.Background(), fr, func(c StreamChunk) error {
		last = c
		return nil
	}, PollOptions{Interval: 10 * time.Millisecond, Timeout: 5 * time.Second})
	if err == nil {
		t.Fatal("expected error")
	}
	if !last.IsComplete || last.State != StateError || last.Content != "model exploded" {
		t.Fatalf("last chunk = %+v", last)
	}
}

func TestSuffixDelta_PrefixProperty(t *testing.T) {
	cases := []struct {
		prev, cur, want string
	}{
		{"", "He", "He"},
		{"He", "Hello", "llo"},
		{"Hello", "Hello", ""},
		{"Hello", "Hel", ""},
		// Rewritten text: hold emission rather than corrupt the stream.
		{"Hello", "Goodbye world", ""},
	}
	for _, tc := range cases {
		if got := suffixDelta(tc.prev, tc.cur); got != tc.want {
			t.Errorf("suffixDelta(%q, %q) = %q, want %q", tc.prev, tc.cur, got, tc.want)
		}
	}
}

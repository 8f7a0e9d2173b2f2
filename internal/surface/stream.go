package surface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/angrav/internal/driver"
)

// StreamChunk is one emitted delta of the in-progress answer.
type StreamChunk struct {
	Content    string
	IsComplete bool
	State      State
}

// PollOptions control the delta-polling loop.
type PollOptions struct {
	Interval time.Duration // default 300ms
	Timeout  time.Duration // default 5 minutes
	// ThinkingObserved marks that the caller already saw the surface
	// thinking, so an immediate idle observation counts as completion
	// rather than a not-yet-started generation.
	ThinkingObserved bool
}

const (
	defaultPollInterval = 300 * time.Millisecond
	defaultPollTimeout  = 5 * time.Minute
)

// ErrStreamTimeout means the poll loop exceeded its total budget.
var ErrStreamTimeout = errors.New("surface: stream poll timeout")

// StreamPoller converts the growing answer text into a sequence of
// deltas terminated by a completion chunk. The concatenation of all
// emitted Content values equals the final answer text: each tick only
// ever emits the suffix not yet sent.
type StreamPoller struct {
	Probe     *StateProbe
	Extractor *ResponseExtractor
	Logger    *slog.Logger
}

func NewStreamPoller(probe *StateProbe, extractor *ResponseExtractor, logger *slog.Logger) *StreamPoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamPoller{Probe: probe, Extractor: extractor, Logger: logger}
}

// Poll emits deltas via emit until the surface completes, errors, or the
// timeout elapses. Returns the final answer text. Completion requires an
// idle observation after at least one thinking observation.
func (p *StreamPoller) Poll(ctx context.Context, fr driver.Frame, emit func(StreamChunk) error, opts PollOptions) (string, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}

	previous := ""
	sawThinking := opts.ThinkingObserved
	deadline := time.Now().Add(timeout)

	for {
		sample, err := p.Probe.Sample(ctx, fr)
		if err != nil {
			return previous, fmt.Errorf("stream probe: %w", err)
		}

		switch sample.State {
		case StateThinking:
			sawThinking = true
			current, err := p.readAnswer(ctx, fr, previous)
			if err != nil {
				return previous, err
			}
			if delta := suffixDelta(previous, current); delta != "" {
				if err := emit(StreamChunk{Content: delta, State: StateThinking}); err != nil {
					return current, err
				}
				previous = current
			}

		case StateIdle:
			if sawThinking {
				current, err := p.readAnswer(ctx, fr, previous)
				if err != nil {
					return previous, err
				}
				if delta := suffixDelta(previous, current); delta != "" {
					if err := emit(StreamChunk{Content: delta, State: StateIdle}); err != nil {
						return current, err
					}
					previous = current
				}
				if err := emit(StreamChunk{IsComplete: true, State: StateIdle}); err != nil {
					return previous, err
				}
				return previous, nil
			}
			// Still waiting for the first thinking observation.

		case StateError:
			_ = emit(StreamChunk{Content: sample.ErrorMessage, IsComplete: true, State: StateError})
			return previous, fmt.Errorf("surface error during stream: %s", sample.ErrorMessage)
		}

		if time.Now().After(deadline) {
			_ = emit(StreamChunk{IsComplete: true, State: StateError})
			return previous, ErrStreamTimeout
		}
		select {
		case <-ctx.Done():
			return previous, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (p *StreamPoller) readAnswer(ctx context.Context, fr driver.Frame, fallback string) (string, error) {
	current, err := p.Extractor.AnswerText(ctx, fr)
	if err != nil {
		return fallback, fmt.Errorf("stream read answer: %w", err)
	}
	return current, nil
}

// suffixDelta returns the portion of current not yet emitted. If the UI
// rewrote earlier text (current no longer extends previous), nothing is
// emitted for this tick; the prefix property of the stream is preserved.
func suffixDelta(previous, current string) string {
	if len(current) <= len(previous) {
		return ""
	}
	if !strings.HasPrefix(current, previous) {
		return ""
	}
	return current[len(previous):]
}

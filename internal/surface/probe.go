package surface

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/angrav/internal/driver"
)

const probeInterval = 250 * time.Millisecond

// StateProbe classifies the current surface state from observable
// signals. Probes are read-only and idempotent; they may run
// concurrently with another session's mutations but never with their
// own session's.
type StateProbe struct{}

func NewStateProbe() *StateProbe { return &StateProbe{} }

// Sample takes one observation. Classification order: a visible stop
// affordance wins, then a visible error toast, else idle.
func (p *StateProbe) Sample(ctx context.Context, fr driver.Frame) (StateSample, error) {
	stopVisible, err := anyVisible(ctx, fr, selStopButton)
	if err != nil {
		return StateSample{}, fmt.Errorf("probe stop affordance: %w", err)
	}
	if stopVisible {
		return StateSample{State: StateThinking, InputEnabled: false}, nil
	}

	if msg, err := visibleText(ctx, fr, selErrorToast); err == nil {
		return StateSample{State: StateError, InputEnabled: false, ErrorMessage: msg}, nil
	} else if !errors.Is(err, driver.ErrNotFound) {
		return StateSample{}, fmt.Errorf("probe error toast: %w", err)
	}

	inputEnabled, err := p.inputEnabled(ctx, fr)
	if err != nil {
		return StateSample{}, fmt.Errorf("probe input: %w", err)
	}
	return StateSample{State: StateIdle, InputEnabled: inputEnabled}, nil
}

// WaitForIdle returns once the stop affordance has been observed hidden
// at least once, or driver.ErrTimeout.
func (p *StateProbe) WaitForIdle(ctx context.Context, fr driver.Frame, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		stopVisible, err := anyVisible(ctx, fr, selStopButton)
		if err != nil {
			return err
		}
		if !stopVisible {
			return nil
		}
		if time.Now().After(deadline) {
			return driver.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeInterval):
		}
	}
}

// WaitForThinking blocks until the surface is observed thinking. Used
// right after submission: a surface that never leaves idle within the
// grace window lost the prompt.
func (p *StateProbe) WaitForThinking(ctx context.Context, fr driver.Frame, grace time.Duration) error {
	deadline := time.Now().Add(grace)
	for {
		sample, err := p.Sample(ctx, fr)
		if err != nil {
			return err
		}
		if sample.State == StateThinking {
			return nil
		}
		if sample.State == StateError {
			return fmt.Errorf("surface error after submit: %s", sample.ErrorMessage)
		}
		if time.Now().After(deadline) {
			return ErrPromptLost
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeInterval):
		}
	}
}

func (p *StateProbe) inputEnabled(ctx context.Context, fr driver.Frame) (bool, error) {
	loc, err := firstPresent(ctx, fr, selPromptInput)
	if errors.Is(err, driver.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	editable, err := loc.Attr(ctx, "contenteditable")
	if err != nil && !errors.Is(err, driver.ErrNotFound) {
		return false, err
	}
	return editable != "false", nil
}

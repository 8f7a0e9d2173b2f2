package surface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/angrav/internal/driver"
)

// InjectOptions control prompt submission.
type InjectOptions struct {
	// Wait blocks until the surface returns to idle after submission.
	Wait bool
	// WaitTimeout bounds the idle wait. Defaults to 5 minutes.
	WaitTimeout time.Duration
}

const defaultWaitTimeout = 5 * time.Minute

// PromptInjector performs human-like prompt entry: focus, clear, type,
// Enter. It does not verify the input cleared afterwards, since the
// editor often flips read-only on submit; success is confirmed by the
// state transition the probe observes next.
type PromptInjector struct {
	Probe  *StateProbe
	Logger *slog.Logger
}

func NewPromptInjector(probe *StateProbe, logger *slog.Logger) *PromptInjector {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptInjector{Probe: probe, Logger: logger}
}

// Inject enters text into the prompt editor and submits it.
func (in *PromptInjector) Inject(ctx context.Context, fr driver.Frame, page driver.Page, text string, opts InjectOptions) error {
	input, err := firstPresent(ctx, fr, selPromptInput)
	if err != nil {
		if errors.Is(err, driver.ErrNotFound) {
			return ErrInputNotFound
		}
		return fmt.Errorf("locate prompt input: %w", err)
	}

	if err := input.Click(ctx); err != nil {
		return fmt.Errorf("%w: focus: %v", ErrSubmitFailed, err)
	}
	// Clear any draft the user left in the editor.
	if err := input.Press(ctx, "Control+A"); err != nil {
		return fmt.Errorf("%w: select-all: %v", ErrSubmitFailed, err)
	}
	if err := input.Press(ctx, "Delete"); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrSubmitFailed, err)
	}
	if err := input.Type(ctx, text); err != nil {
		return fmt.Errorf("%w: type: %v", ErrSubmitFailed, err)
	}
	if err := input.Press(ctx, "Enter"); err != nil {
		return fmt.Errorf("%w: submit: %v", ErrSubmitFailed, err)
	}

	in.Logger.Debug("prompt injected", "chars", len(text))

	if opts.Wait {
		timeout := opts.WaitTimeout
		if timeout <= 0 {
			timeout = defaultWaitTimeout
		}
		return in.Probe.WaitForIdle(ctx, fr, timeout)
	}
	return nil
}

// StartNewConversation clicks the new-conversation affordance, resetting
// the surface's chat context before the next prompt.
func StartNewConversation(ctx context.Context, fr driver.Frame) error {
	loc, err := firstPresent(ctx, fr, selNewConversation)
	if err != nil {
		return err
	}
	return loc.Click(ctx)
}

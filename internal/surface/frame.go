package surface

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/angrav/internal/driver"
)

const (
	frameAppearTimeout = 2 * time.Second
	framePollInterval  = 100 * time.Millisecond
)

// FrameLocator resolves the active agent frame on a page. It caches
// nothing: pages reload and frames churn, so every call re-resolves.
type FrameLocator struct {
	Logger *slog.Logger
}

func NewFrameLocator(logger *slog.Logger) *FrameLocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameLocator{Logger: logger}
}

// AgentFrame returns the frame whose URL carries the agent-surface marker.
// If no such frame exists, it activates the agent panel (activity-bar
// item), waits briefly for the frame to appear, and retries once.
func (l *FrameLocator) AgentFrame(ctx context.Context, page driver.Page) (driver.Frame, error) {
	if fr, err := l.find(ctx, page); err != nil {
		return nil, err
	} else if fr != nil {
		return fr, nil
	}

	// Panel not open yet. Click the activity-bar entry and wait for the
	// frame to show up.
	for attempt := 0; attempt < 2; attempt++ {
		if err := l.activatePanel(ctx, page); err != nil {
			l.Logger.Debug("agent panel activation failed", "attempt", attempt, "error", err)
		}

		deadline := time.Now().Add(frameAppearTimeout)
		for time.Now().Before(deadline) {
			fr, err := l.find(ctx, page)
			if err != nil {
				return nil, err
			}
			if fr != nil {
				return fr, nil
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(framePollInterval):
			}
		}
	}
	return nil, ErrAgentSurfaceMissing
}

// find returns the agent frame if currently present, (nil, nil) if absent.
func (l *FrameLocator) find(ctx context.Context, page driver.Page) (driver.Frame, error) {
	frames, err := page.Frames(ctx)
	if err != nil {
		return nil, err
	}
	for _, fr := range frames {
		url := fr.URL()
		for _, marker := range agentFrameMarkers {
			if strings.Contains(url, marker) {
				return fr, nil
			}
		}
	}
	return nil, nil
}

func (l *FrameLocator) activatePanel(ctx context.Context, page driver.Page) error {
	for _, sel := range selAgentActivityItem {
		loc := page.Locator(sel)
		n, err := loc.Count(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			return loc.Click(ctx)
		}
	}
	return driver.ErrNotFound
}

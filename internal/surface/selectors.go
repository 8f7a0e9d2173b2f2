package surface

import (
	"context"

	"github.com/basket/angrav/internal/driver"
)

// Selector candidates per capability, tried in order. The app's class
// names churn between builds, so every capability carries fallbacks
// keyed on role and accessible name before falling back to class
// fragments. Swapping this file must not change behavior elsewhere.

// agentFrameMarkers identify the agent surface by frame URL fragment.
var agentFrameMarkers = []string{"agent-surface", "cascade", "agent.html"}

var (
	selAgentActivityItem = []string{
		`.activitybar [aria-label="Agent"]`,
		`.activitybar [aria-label*="Antigravity"]`,
		`.activitybar li[id*="agent"]`,
	}

	selPromptInput = []string{
		`div[contenteditable="true"][role="textbox"]`,
		`[data-lexical-editor="true"]`,
		`.chat-input div[contenteditable="true"]`,
	}

	selStopButton = []string{
		`[aria-label="Stop generating"]`,
		`button[title*="Stop"]`,
		`.codicon-stop-circle`,
	}

	selErrorToast = []string{
		`[role="alert"]`,
		`.notification-toast .notification-list-item-message`,
		`.chat-error-message`,
	}

	selThoughtToggle = []string{
		`[aria-label*="Thought"]`,
		`[class*="thought-toggle"]`,
		`span[class*="thinking-header"]`,
	}

	selThoughtBlock = []string{
		`[class*="thought-content"]`,
		`.chat-turn [class*="opacity"]`,
	}

	selAnswerBlock = []string{
		`[data-message-author-role="assistant"] .markdown`,
		`.chat-turn-assistant .prose`,
		`.rendered-markdown`,
	}

	selCodeBlock = []string{
		`pre code[class*="language-"]`,
		`div[class*="code-block"] code`,
	}

	selToolCallSpan = []string{
		`span[title]`,
	}

	selFileActivity = []string{
		`[class*="file-activity"]`,
		`[class*="tool-status"]`,
	}

	selFileLink = []string{
		`a[class*="file-link"]`,
		`span[class*="file-path"]`,
	}

	selRedText = []string{
		`[class*="text-red"]`,
		`[style*="color: red"]`,
		`[class*="error"]`,
	}

	selNewConversation = []string{
		`[aria-label="New conversation"]`,
		`[aria-label="New chat"]`,
		`.codicon-plus`,
	}

	selRateBanner = []string{
		`[class*="quota-banner"]`,
		`[class*="rate-limit"]`,
		`[class*="usage-limit"]`,
	}

	selBannerDismiss = []string{
		`[class*="quota-banner"] [aria-label="Dismiss"]`,
		`[class*="rate-limit"] button[class*="dismiss"]`,
	}

	selBannerSwitchModel = []string{
		`[class*="quota-banner"] button[class*="switch"]`,
		`[class*="rate-limit"] [aria-label*="another model"]`,
	}

	selModelPicker = []string{
		`[aria-label="Model picker"]`,
		`button[class*="model-selector"]`,
	}

	selModelOption = []string{
		`[role="option"][class*="model"]`,
		`.model-dropdown [role="option"]`,
	}
)

// firstPresent returns a locator for the first candidate selector with at
// least one match, or driver.ErrNotFound.
func firstPresent(ctx context.Context, fr driver.Frame, candidates []string) (driver.Locator, error) {
	for _, sel := range candidates {
		loc := fr.Locator(sel)
		n, err := loc.Count(ctx)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return loc, nil
		}
	}
	return nil, driver.ErrNotFound
}

// anyVisible reports whether any candidate selector has a visible match.
func anyVisible(ctx context.Context, fr driver.Frame, candidates []string) (bool, error) {
	for _, sel := range candidates {
		visible, err := fr.Locator(sel).Visible(ctx)
		if err != nil {
			return false, err
		}
		if visible {
			return true, nil
		}
	}
	return false, nil
}

// visibleText returns the text of the first visible candidate match.
func visibleText(ctx context.Context, fr driver.Frame, candidates []string) (string, error) {
	for _, sel := range candidates {
		loc := fr.Locator(sel)
		visible, err := loc.Visible(ctx)
		if err != nil {
			return "", err
		}
		if visible {
			return loc.Text(ctx)
		}
	}
	return "", driver.ErrNotFound
}

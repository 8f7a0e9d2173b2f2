package surface

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/angrav/internal/driver"
)

// RateLimitInfo is the parsed form of a quota banner. AvailableAt is nil
// when the resume instant could not be parsed; RawMessage always carries
// the original banner text.
type RateLimitInfo struct {
	Model       string
	IsLimited   bool
	AvailableAt *time.Time
	RawMessage  string
}

const (
	quotaPhrase  = "quota limit for"
	resumePhrase = "resume using this model at"
)

var resumeLayouts = []string{
	time.RFC3339,
	time.RFC1123,
	"2006-01-02 15:04:05",
}

// RateLimitDetector parses and manipulates the quota banner. All
// operations are idempotent; parse failures are never fatal.
type RateLimitDetector struct {
	Logger *slog.Logger
}

func NewRateLimitDetector(logger *slog.Logger) *RateLimitDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimitDetector{Logger: logger}
}

// Detect returns the parsed banner, or nil when no banner is visible.
func (d *RateLimitDetector) Detect(ctx context.Context, fr driver.Frame) (*RateLimitInfo, error) {
	text, err := visibleText(ctx, fr, selRateBanner)
	if errors.Is(err, driver.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !strings.Contains(text, quotaPhrase) || !strings.Contains(text, resumePhrase) {
		return nil, nil
	}

	info := &RateLimitInfo{IsLimited: true, RawMessage: text}
	info.Model = strings.TrimSpace(between(text, quotaPhrase, "."))
	if raw := strings.TrimSpace(between(text, resumePhrase, ".")); raw != "" {
		if at, ok := parseResumeInstant(raw); ok {
			info.AvailableAt = &at
		} else {
			d.Logger.Debug("unparseable resume instant", "raw", raw)
		}
	}
	return info, nil
}

// Dismiss clicks the banner's dismiss affordance. Returns false when no
// banner is present.
func (d *RateLimitDetector) Dismiss(ctx context.Context, fr driver.Frame) (bool, error) {
	loc, err := firstPresent(ctx, fr, selBannerDismiss)
	if errors.Is(err, driver.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := loc.Click(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// SelectAnotherModel clicks the banner's alternative-model affordance.
func (d *RateLimitDetector) SelectAnotherModel(ctx context.Context, fr driver.Frame) error {
	loc, err := firstPresent(ctx, fr, selBannerSwitchModel)
	if err != nil {
		return err
	}
	return loc.Click(ctx)
}

// ScanAllModelLimits opens the model picker and reports, per model name,
// whether it carries a warning indicator. The picker is closed before
// returning.
func (d *RateLimitDetector) ScanAllModelLimits(ctx context.Context, fr driver.Frame) (map[string]bool, error) {
	picker, err := firstPresent(ctx, fr, selModelPicker)
	if err != nil {
		return nil, err
	}
	if err := picker.Click(ctx); err != nil {
		return nil, err
	}
	// Close regardless of how the scan goes.
	defer func() {
		if err := picker.Press(ctx, "Escape"); err != nil {
			d.Logger.Debug("model picker close failed", "error", err)
		}
	}()

	limits := map[string]bool{}
	for _, sel := range selModelOption {
		elems, err := fr.Locator(sel).All(ctx)
		if err != nil {
			return nil, err
		}
		for _, el := range elems {
			name, err := el.Text(ctx)
			if err != nil {
				continue
			}
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			limits[name] = optionLimited(ctx, el)
		}
		if len(limits) > 0 {
			break
		}
	}
	return limits, nil
}

func optionLimited(ctx context.Context, el driver.Element) bool {
	if class, err := el.Attr(ctx, "class"); err == nil {
		if strings.Contains(class, "limited") || strings.Contains(class, "warning") {
			return true
		}
	}
	if v, err := el.Attr(ctx, "aria-disabled"); err == nil && v == "true" {
		return true
	}
	return false
}

// between returns the substring of s strictly between the first
// occurrence of start and the next occurrence of end after it.
func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	rest := s[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return rest
	}
	return rest[:j]
}

func parseResumeInstant(raw string) (time.Time, bool) {
	for _, layout := range resumeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

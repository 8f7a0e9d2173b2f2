package surface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/basket/angrav/internal/driver"
)

// fileActivityRe matches tool-status lines like "Edited main.go +12 -3".
var fileActivityRe = regexp.MustCompile(`^(Edited|Analyzed|Viewed|Read|Reading|Created|Deleted|Wrote)\s+\S+(\s+[+-]\d+)*$`)

// toolCallTitleRe matches a capitalized two-to-eight-word phrase, the shape
// of tool-call hover titles ("Searched Codebase", "Ran Terminal Command").
var toolCallTitleRe = regexp.MustCompile(`^[A-Z][A-Za-z]*(?: [A-Za-z][A-Za-z]*){1,7}$`)

// diffCountsRe matches trailing "+N -M" change counters.
var diffCountsRe = regexp.MustCompile(`[+-]\d+`)

// ResponseExtractor scrapes the latest assistant turn into an
// AgentResponse. It is read-only apart from expanding a collapsed
// thought block.
type ResponseExtractor struct {
	Logger *slog.Logger
}

func NewResponseExtractor(logger *slog.Logger) *ResponseExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseExtractor{Logger: logger}
}

// Extract pulls the full structured response in one pass. A turn with
// nothing recognizable yields an empty (but valid) AgentResponse rather
// than an error, so a degraded scrape never breaks the API client.
func (e *ResponseExtractor) Extract(ctx context.Context, fr driver.Frame) (*AgentResponse, error) {
	resp := &AgentResponse{
		CodeBlocks:      []CodeBlock{},
		StructuredItems: []StructuredItem{},
		Timestamp:       time.Now(),
	}

	thoughts, err := e.extractThoughts(ctx, fr)
	if err != nil {
		return nil, fmt.Errorf("extract thoughts: %w", err)
	}
	resp.Thoughts = thoughts

	blocks, err := e.extractCodeBlocks(ctx, fr)
	if err != nil {
		return nil, fmt.Errorf("extract code blocks: %w", err)
	}
	resp.CodeBlocks = blocks

	text, err := e.extractAnswerText(ctx, fr)
	if err != nil {
		return nil, fmt.Errorf("extract answer: %w", err)
	}
	resp.FullText = text

	items, err := e.extractStructuredItems(ctx, fr)
	if err != nil {
		return nil, fmt.Errorf("extract items: %w", err)
	}
	resp.StructuredItems = items

	return resp, nil
}

// AnswerText reads only the current answer prose, without the full
// structured pass. Used by the stream poller on every tick.
func (e *ResponseExtractor) AnswerText(ctx context.Context, fr driver.Frame) (string, error) {
	return e.extractAnswerText(ctx, fr)
}

func (e *ResponseExtractor) extractThoughts(ctx context.Context, fr driver.Frame) (string, error) {
	toggle, err := firstPresent(ctx, fr, selThoughtToggle)
	if errors.Is(err, driver.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// Expand the collapsed block; the click is a no-op when already open.
	if err := toggle.Click(ctx); err != nil && !errors.Is(err, driver.ErrNotFound) {
		e.Logger.Debug("thought toggle click failed", "error", err)
	}

	block, err := firstPresent(ctx, fr, selThoughtBlock)
	if errors.Is(err, driver.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	text, err := block.Text(ctx)
	if errors.Is(err, driver.ErrNotFound) {
		return "", nil
	}
	return strings.TrimSpace(text), err
}

func (e *ResponseExtractor) extractCodeBlocks(ctx context.Context, fr driver.Frame) ([]CodeBlock, error) {
	blocks := []CodeBlock{}
	seen := map[string]bool{}

	for _, sel := range selCodeBlock {
		elems, err := fr.Locator(sel).All(ctx)
		if err != nil {
			return nil, err
		}
		for _, el := range elems {
			content, err := el.Text(ctx)
			if err != nil {
				continue
			}
			if strings.TrimSpace(content) == "" || looksLikeStylesheet(content) {
				continue
			}
			lang := codeLanguage(ctx, el)
			key := lang + "\x00" + head(content, 80)
			if seen[key] {
				continue
			}
			seen[key] = true

			filename, _ := el.Attr(ctx, "data-filename")
			blocks = append(blocks, CodeBlock{Language: lang, Content: content, Filename: filename})
		}
	}
	return blocks, nil
}

func codeLanguage(ctx context.Context, el driver.Element) string {
	if class, err := el.Attr(ctx, "class"); err == nil {
		for _, part := range strings.Fields(class) {
			if lang, ok := strings.CutPrefix(part, "language-"); ok {
				return lang
			}
		}
	}
	if lang, err := el.Attr(ctx, "data-lang"); err == nil && lang != "" {
		return lang
	}
	return "text"
}

func (e *ResponseExtractor) extractAnswerText(ctx context.Context, fr driver.Frame) (string, error) {
	for _, sel := range selAnswerBlock {
		elems, err := fr.Locator(sel).All(ctx)
		if err != nil {
			return "", err
		}
		// The latest prose block belongs to the current assistant turn.
		for i := len(elems) - 1; i >= 0; i-- {
			text, err := elems[i].Text(ctx)
			if err != nil {
				continue
			}
			if strings.TrimSpace(text) != "" {
				return text, nil
			}
		}
	}
	return "", nil
}

func (e *ResponseExtractor) extractStructuredItems(ctx context.Context, fr driver.Frame) ([]StructuredItem, error) {
	items := []StructuredItem{}
	seen := map[string]bool{}
	add := func(it StructuredItem) {
		if it.Content == "" || seen[it.Key] {
			return
		}
		seen[it.Key] = true
		items = append(items, it)
	}

	// File activity spans ("Edited foo.go +3 -1").
	for _, sel := range selFileActivity {
		elems, err := fr.Locator(sel).All(ctx)
		if err != nil {
			return nil, err
		}
		for _, el := range elems {
			text, err := el.Text(ctx)
			if err != nil {
				continue
			}
			text = strings.TrimSpace(text)
			if len(text) > 100 {
				continue
			}
			if fileActivityRe.MatchString(text) {
				add(StructuredItem{Type: ItemFileActivity, Content: text, Key: itemKey(ItemFileActivity, text)})
			} else if text != "" {
				add(StructuredItem{Type: ItemUnknown, Content: text, Key: itemKey(ItemUnknown, text)})
			}
		}
	}

	// Clickable file paths, optionally annotated with change counters.
	for _, sel := range selFileLink {
		elems, err := fr.Locator(sel).All(ctx)
		if err != nil {
			return nil, err
		}
		for _, el := range elems {
			text, err := el.Text(ctx)
			if err != nil {
				continue
			}
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			content := text
			if verb, err := el.Attr(ctx, "data-verb"); err == nil && verb != "" {
				content = verb + " " + content
			}
			if counts, err := el.Attr(ctx, "data-changes"); err == nil && counts != "" {
				if diffCountsRe.MatchString(counts) {
					content = content + " " + counts
				}
			}
			add(StructuredItem{Type: ItemFileLink, Content: content, Key: itemKey(ItemFileLink, text)})
		}
	}

	// Tool-call hover titles.
	for _, sel := range selToolCallSpan {
		elems, err := fr.Locator(sel).All(ctx)
		if err != nil {
			return nil, err
		}
		for _, el := range elems {
			title, err := el.Attr(ctx, "title")
			if err != nil || title == "" {
				continue
			}
			if toolCallTitleRe.MatchString(title) {
				add(StructuredItem{Type: ItemToolCall, Content: title, Key: itemKey(ItemToolCall, title)})
			}
		}
	}

	// Red-styled error spans.
	for _, sel := range selRedText {
		elems, err := fr.Locator(sel).All(ctx)
		if err != nil {
			return nil, err
		}
		for _, el := range elems {
			text, err := el.Text(ctx)
			if err != nil {
				continue
			}
			text = strings.TrimSpace(text)
			if len(text) >= 5 && len(text) <= 500 {
				add(StructuredItem{Type: ItemError, Content: text, Key: itemKey(ItemError, text)})
			}
		}
	}

	return items, nil
}

func itemKey(t ItemType, content string) string {
	return string(t) + ":" + head(strings.TrimSpace(content), 60)
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// looksLikeStylesheet filters CSS artifacts that leak into code-block
// scraping from the surrounding editor chrome.
func looksLikeStylesheet(content string) bool {
	if !strings.Contains(content, "{") || !strings.Contains(content, "}") {
		return false
	}
	tokens := []string{"display:", "font-", "margin:", "padding:", "@media", "!important", "px;", "color:"}
	hits := 0
	for _, tok := range tokens {
		if strings.Contains(content, tok) {
			hits++
		}
	}
	return hits >= 2
}

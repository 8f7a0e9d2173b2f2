// Package surface drives and observes one agent chat surface: locating
// the agent frame, classifying its state, injecting prompts, and
// scraping structured responses back out.
package surface

import (
	"errors"
	"time"
)

// State is the coarse UI state of one agent surface.
type State string

const (
	StateIdle     State = "idle"
	StateThinking State = "thinking"
	StateError    State = "error"
)

// StateSample is one probe observation. Immutable.
type StateSample struct {
	State        State
	InputEnabled bool
	ErrorMessage string
}

// CodeBlock is one fenced code block scraped from the assistant turn.
type CodeBlock struct {
	Language string `json:"language"`
	Content  string `json:"content"`
	Filename string `json:"filename,omitempty"`
}

// ItemType tags a structured item recognized in the assistant turn.
type ItemType string

const (
	ItemUser         ItemType = "user"
	ItemAgent        ItemType = "agent"
	ItemThought      ItemType = "thought"
	ItemCode         ItemType = "code"
	ItemFileLink     ItemType = "file-link"
	ItemFileActivity ItemType = "file-activity"
	ItemFileChange   ItemType = "file-change"
	ItemFileDiff     ItemType = "file-diff"
	ItemToolCall     ItemType = "tool-call"
	ItemToolCallArg  ItemType = "tool-call-arg"
	ItemTerminal     ItemType = "terminal"
	ItemTimestamp    ItemType = "timestamp"
	ItemError        ItemType = "error"
	ItemImage        ItemType = "image"
	ItemApproval     ItemType = "approval"
	ItemTaskStatus   ItemType = "task-status"
	ItemTable        ItemType = "table"
	// ItemUnknown preserves spans the classifier does not recognize
	// instead of dropping them.
	ItemUnknown ItemType = "unknown"
)

// StructuredItem is any semantically-recognized span of the assistant
// turn other than plain prose. Key is stable across repeated extraction
// of the same turn and is used for dedup.
type StructuredItem struct {
	Type    ItemType `json:"type"`
	Content string   `json:"content"`
	Key     string   `json:"key"`
}

// AgentResponse is an immutable snapshot of the latest assistant turn.
type AgentResponse struct {
	FullText        string           `json:"fullText"`
	Thoughts        string           `json:"thoughts,omitempty"`
	CodeBlocks      []CodeBlock      `json:"codeBlocks"`
	StructuredItems []StructuredItem `json:"structuredItems"`
	Timestamp       time.Time        `json:"timestamp"`
}

var (
	// ErrAgentSurfaceMissing means the agent frame could not be resolved
	// even after activating the agent panel and retrying.
	ErrAgentSurfaceMissing = errors.New("surface: agent frame not found")
	// ErrInputNotFound means the prompt editor could not be located.
	ErrInputNotFound = errors.New("surface: prompt input not found")
	// ErrSubmitFailed means the prompt could not be entered or submitted.
	ErrSubmitFailed = errors.New("surface: prompt submit failed")
	// ErrPromptLost means the surface went straight back to idle after
	// submission without ever being observed thinking.
	ErrPromptLost = errors.New("surface: prompt lost (no thinking state observed)")
)

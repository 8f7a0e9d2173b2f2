package gateway

// ChatCompletionRequest is the OpenAI-compatible request body. Sampling
// parameters are accepted for client compatibility but ignored: the
// underlying surface exposes no sampling knobs.
type ChatCompletionRequest struct {
	Model    string                  `json:"model"`
	Messages []ChatCompletionMessage `json:"messages"`
	Stream   bool                    `json:"stream,omitempty"`

	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`

	// Session targets a specific tracked session by id prefix or title
	// prefix. Empty routes to the first idle session.
	Session string `json:"session,omitempty"`
	// NewConversation resets the surface's chat before prompting.
	NewConversation bool `json:"new_conversation,omitempty"`
}

// ChatCompletionMessage is one message of the conversation. The finish
// chunk carries an empty delta, which must serialize as {} for OpenAI
// clients.
type ChatCompletionMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatCompletionResponse covers both chat.completion and
// chat.completion.chunk objects.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *Usage                 `json:"usage,omitempty"`

	// SessionID echoes which surface served the request.
	SessionID string `json:"session_id,omitempty"`
}

type ChatCompletionChoice struct {
	Index        int                    `json:"index"`
	Message      *ChatCompletionMessage `json:"message,omitempty"`
	Delta        *ChatCompletionMessage `json:"delta,omitempty"`
	FinishReason *string                `json:"finish_reason,omitempty"`
}

// Usage carries estimated token counts. The surface reports none, so
// counts are character-length estimates.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ModelListResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type SessionListResponse struct {
	Object string        `json:"object"`
	Data   []SessionInfo `json:"data"`
}

// SessionInfo is the public view of a tracked session.
type SessionInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Workspace string `json:"workspace,omitempty"`
	Created   int64  `json:"created"`
}

func strPtr(s string) *string { return &s }

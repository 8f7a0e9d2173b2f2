package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/angrav/internal/orchestrator"
	"github.com/basket/angrav/internal/queue"
	"github.com/basket/angrav/internal/surface"
	"github.com/basket/angrav/internal/tokenutil"
)

// completionID returns a fresh chat-completion id.
func completionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func (s *Server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.apiError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !s.authorize(r) {
		s.apiError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.apiError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if req.Model == "" {
		req.Model = s.cfg.Models[0]
	}

	msgs := make([]queue.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, queue.Message{Role: m.Role, Content: m.Content})
	}
	// Reject malformed conversations before they consume a queue slot.
	if err := orchestrator.ValidateMessages(msgs); err != nil {
		s.apiError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	promptTokens := tokenutil.EstimateTokens(orchestrator.RenderPrompt(msgs))
	work := &queue.Request{
		Model:           req.Model,
		Messages:        msgs,
		Stream:          req.Stream,
		NewConversation: req.NewConversation,
		TargetSession:   req.Session,
	}

	if req.Stream {
		s.streamCompletion(w, r, req, work, promptTokens, start)
		return
	}

	res, err := s.cfg.Router.Submit(r.Context(), work)
	s.observeCompletion(r.Context(), req.Model, false, start, err)
	if err != nil {
		s.apiError(w, statusForError(err), err.Error())
		return
	}

	completionTokens := tokenutil.EstimateTokens(res.Text)
	s.countTokens(r.Context(), req.Model, promptTokens+completionTokens)
	s.writeJSON(w, http.StatusOK, ChatCompletionResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []ChatCompletionChoice{
			{
				Index:        0,
				Message:      &ChatCompletionMessage{Role: "assistant", Content: res.Text},
				FinishReason: strPtr("stop"),
			},
		},
		Usage: &Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		SessionID: res.SessionID,
	})
}

// streamCompletion serves the SSE chunk stream. The first chunk carries
// the assistant role, content deltas follow as they appear on the
// surface, and the final chunk carries finish_reason and usage before
// the [DONE] sentinel.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req ChatCompletionRequest, work *queue.Request, promptTokens int, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.apiError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	id := completionID()
	var mu sync.Mutex
	closed := false
	completionTokens := 0

	// Processing is detached from the request context, so the prompt
	// cycle can outlive a vanished client and keep emitting deltas after
	// this handler returned. closed gates every write; without it a late
	// flush touches a dead ResponseWriter and panics the drain goroutine.
	defer func() {
		mu.Lock()
		closed = true
		mu.Unlock()
	}()

	writeSSE := func(resp ChatCompletionResponse) error {
		b, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return nil
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	chunk := func(delta *ChatCompletionMessage, finish *string, usage *Usage) ChatCompletionResponse {
		return ChatCompletionResponse{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []ChatCompletionChoice{{Index: 0, Delta: delta, FinishReason: finish}},
			Usage:   usage,
		}
	}

	// Role header chunk.
	if err := writeSSE(chunk(&ChatCompletionMessage{Role: "assistant"}, nil, nil)); err != nil {
		return
	}

	work.OnChunk = func(c surface.StreamChunk) error {
		if c.Content == "" {
			return nil
		}
		mu.Lock()
		completionTokens += tokenutil.EstimateTokens(c.Content)
		mu.Unlock()
		s.countStreamDelta(r.Context(), req.Model)
		return writeSSE(chunk(&ChatCompletionMessage{Role: "assistant", Content: c.Content}, nil, nil))
	}

	_, err := s.cfg.Router.Submit(r.Context(), work)
	s.observeCompletion(r.Context(), req.Model, true, start, err)
	if err != nil {
		s.logger.Warn("stream completion failed", "error", err)
		// Headers are already out; surface the failure in-band.
		payload, _ := json.Marshal(map[string]any{
			"error": map[string]any{"message": err.Error(), "type": "api_error", "code": statusForError(err)},
		})
		mu.Lock()
		fmt.Fprintf(w, "data: %s\n\n", payload)
		fmt.Fprintf(w, "data: [DONE]\n\n")
		flusher.Flush()
		mu.Unlock()
		return
	}

	mu.Lock()
	finalUsage := &Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
	mu.Unlock()
	s.countTokens(r.Context(), req.Model, finalUsage.TotalTokens)

	if err := writeSSE(chunk(&ChatCompletionMessage{}, strPtr("stop"), finalUsage)); err != nil {
		return
	}
	mu.Lock()
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
	mu.Unlock()
}

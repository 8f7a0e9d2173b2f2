// Package orchestrator runs one full prompt cycle against a session:
// render the conversation into a single prompt, inject it, watch the
// surface think, and extract the structured response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/angrav/internal/availability"
	"github.com/basket/angrav/internal/bus"
	otelpkg "github.com/basket/angrav/internal/otel"
	"github.com/basket/angrav/internal/queue"
	"github.com/basket/angrav/internal/registry"
	"github.com/basket/angrav/internal/surface"
)

// promptSeparator joins rendered messages. The visible divider keeps
// multi-message conversations legible inside a single chat turn.
const promptSeparator = "\n\n---\n\n"

// thinkingGrace is how long after submission the surface may stay idle
// before the prompt is considered lost.
const defaultThinkingGrace = 15 * time.Second

// ValidationError is a client-side request defect, mapped to HTTP 400.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "invalid request: " + e.Reason }

var validRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// ValidateMessages enforces the request shape before it consumes a
// queue slot: at least one message, known roles, string content, and at
// least one user message with non-whitespace content.
func ValidateMessages(msgs []queue.Message) error {
	if len(msgs) == 0 {
		return &ValidationError{Reason: "messages must not be empty"}
	}
	hasUserContent := false
	for i, m := range msgs {
		if !validRoles[m.Role] {
			return &ValidationError{Reason: fmt.Sprintf("messages[%d]: unsupported role %q", i, m.Role)}
		}
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			hasUserContent = true
		}
	}
	if !hasUserContent {
		return &ValidationError{Reason: "at least one user message with content is required"}
	}
	return nil
}

// RenderPrompt flattens a conversation into one prompt string. Each
// message becomes "Role: content" with the role title-cased.
func RenderPrompt(msgs []queue.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		role := m.Role
		if role != "" {
			role = strings.ToUpper(role[:1]) + role[1:]
		}
		parts = append(parts, role+": "+m.Content)
	}
	return strings.Join(parts, promptSeparator)
}

// Config tunes the cycle.
type Config struct {
	// Account labels availability records persisted from banner sightings.
	Account string
	// ThinkingGrace bounds the wait for the first thinking observation.
	ThinkingGrace time.Duration
	// ResponseTimeout bounds the wait for the answer.
	ResponseTimeout time.Duration
	// Metrics is optional; nil disables cycle instrumentation.
	Metrics *otelpkg.Metrics
}

// Orchestrator implements queue.Processor.
type Orchestrator struct {
	probe     *surface.StateProbe
	injector  *surface.PromptInjector
	extractor *surface.ResponseExtractor
	poller    *surface.StreamPoller
	detector  *surface.RateLimitDetector
	store     *availability.Store
	bus       *bus.Bus
	logger    *slog.Logger
	cfg       Config
}

func New(store *availability.Store, b *bus.Bus, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Account == "" {
		cfg.Account = "default"
	}
	if cfg.ThinkingGrace <= 0 {
		cfg.ThinkingGrace = defaultThinkingGrace
	}
	probe := surface.NewStateProbe()
	extractor := surface.NewResponseExtractor(logger)
	return &Orchestrator{
		probe:     probe,
		injector:  surface.NewPromptInjector(probe, logger),
		extractor: extractor,
		poller:    surface.NewStreamPoller(probe, extractor, logger),
		detector:  surface.NewRateLimitDetector(logger),
		store:     store,
		bus:       b,
		logger:    logger,
		cfg:       cfg,
	}
}

// Process runs one prompt cycle. The caller (queue router) guarantees no
// other cycle runs concurrently on the same session.
func (o *Orchestrator) Process(ctx context.Context, sess *registry.Session, req *queue.Request) (*queue.Result, error) {
	if err := ValidateMessages(req.Messages); err != nil {
		return nil, err
	}

	if req.NewConversation {
		if err := surface.StartNewConversation(ctx, sess.Frame); err != nil {
			o.logger.Warn("new conversation click failed", "session_id", sess.ID, "error", err)
		} else {
			// Give the surface a beat to reset before typing.
			select {
			case <-time.After(500 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	cycleStart := time.Now()
	prompt := RenderPrompt(req.Messages)
	o.logger.Info("prompt cycle start",
		"session_id", sess.ID,
		"model", req.Model,
		"messages", len(req.Messages),
		"stream", req.OnChunk != nil)

	if err := o.injector.Inject(ctx, sess.Frame, sess.Page, prompt, surface.InjectOptions{}); err != nil {
		return nil, fmt.Errorf("inject prompt: %w", err)
	}

	// The surface must be seen thinking before any idle observation may
	// count as completion. A surface that never leaves idle swallowed the
	// prompt, likely because the editor was read-only.
	if err := o.probe.WaitForThinking(ctx, sess.Frame, o.cfg.ThinkingGrace); err != nil {
		if errors.Is(err, surface.ErrPromptLost) {
			return nil, fmt.Errorf("session %s: %w", sess.ID, err)
		}
		return nil, fmt.Errorf("await thinking: %w", err)
	}

	var text string
	var err error
	if req.OnChunk != nil {
		// WaitForThinking already saw the generation start; a fast answer
		// may be idle again by the first poll tick.
		text, err = o.poller.Poll(ctx, sess.Frame, req.OnChunk, surface.PollOptions{
			Timeout:          o.cfg.ResponseTimeout,
			ThinkingObserved: true,
		})
	} else {
		timeout := o.cfg.ResponseTimeout
		if timeout <= 0 {
			timeout = 5 * time.Minute
		}
		err = o.probe.WaitForIdle(ctx, sess.Frame, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("await response: %w", err)
	}

	resp, err := o.extractor.Extract(ctx, sess.Frame)
	if err != nil {
		return nil, fmt.Errorf("extract response: %w", err)
	}
	if text == "" {
		text = resp.FullText
	}

	limit := o.checkRateLimit(ctx, sess)
	if text == "" && limit != nil && limit.IsLimited {
		text = rateLimitNotice(limit)
	}

	o.bus.Publish(bus.TopicSessionResponse, bus.ResponseReadyEvent{SessionID: sess.ID, Text: text})
	o.logger.Info("prompt cycle done", "session_id", sess.ID, "chars", len(text))
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.PromptCycleDuration.Record(ctx, time.Since(cycleStart).Seconds(),
			metric.WithAttributes(otelpkg.AttrSessionID.String(sess.ID), otelpkg.AttrModel.String(req.Model)))
	}

	return &queue.Result{
		SessionID: sess.ID,
		Text:      text,
		Response:  resp,
		RateLimit: limit,
	}, nil
}

// checkRateLimit scans for a quota banner and persists any sighting.
// Failures here never fail the cycle.
func (o *Orchestrator) checkRateLimit(ctx context.Context, sess *registry.Session) *surface.RateLimitInfo {
	info, err := o.detector.Detect(ctx, sess.Frame)
	if err != nil {
		o.logger.Debug("rate limit detect failed", "session_id", sess.ID, "error", err)
		return nil
	}
	if info == nil {
		return nil
	}
	o.logger.Warn("rate limit banner", "session_id", sess.ID, "model", info.Model, "available_at", info.AvailableAt)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RateLimitsDetected.Add(ctx, 1,
			metric.WithAttributes(otelpkg.AttrSessionID.String(sess.ID), otelpkg.AttrModel.String(info.Model)))
	}
	if o.store != nil {
		if err := o.store.Persist(ctx, info, o.cfg.Account, sess.ID, "banner"); err != nil {
			o.logger.Error("persist rate limit failed", "error", err)
		}
	}
	return info
}

func rateLimitNotice(info *surface.RateLimitInfo) string {
	if info.AvailableAt != nil {
		return fmt.Sprintf("The model %s is rate limited. It becomes available again at %s.",
			info.Model, info.AvailableAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("The model %s is rate limited. %s", info.Model, info.RawMessage)
}

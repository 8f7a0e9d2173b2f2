package gateway

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	otelpkg "github.com/basket/angrav/internal/otel"
)

// observeCompletion records one completion request. All instruments are
// optional; a nil Metrics keeps the gateway telemetry-free.
func (s *Server) observeCompletion(ctx context.Context, model string, stream bool, start time.Time, err error) {
	m := s.cfg.Metrics
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		otelpkg.AttrModel.String(model),
		otelpkg.AttrStream.Bool(stream),
	)
	m.RequestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil && statusForError(err) == http.StatusTooManyRequests {
		m.QueueRejects.Add(ctx, 1, attrs)
	}
}

func (s *Server) countTokens(ctx context.Context, model string, n int) {
	if s.cfg.Metrics == nil || n <= 0 {
		return
	}
	s.cfg.Metrics.TokensUsed.Add(ctx, int64(n),
		metric.WithAttributes(otelpkg.AttrModel.String(model)))
}

func (s *Server) countStreamDelta(ctx context.Context, model string) {
	if s.cfg.Metrics == nil {
		return
	}
	s.cfg.Metrics.StreamDeltas.Add(ctx, 1,
		metric.WithAttributes(otelpkg.AttrModel.String(model)))
}

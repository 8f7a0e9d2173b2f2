package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all angrav metrics instruments.
type Metrics struct {
	RequestDuration     metric.Float64Histogram
	PromptCycleDuration metric.Float64Histogram
	TokensUsed          metric.Int64Counter
	StreamDeltas        metric.Int64Counter
	QueueDepth          metric.Int64UpDownCounter
	QueueRejects        metric.Int64Counter
	SessionsTracked     metric.Int64UpDownCounter
	RateLimitsDetected  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("angrav.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PromptCycleDuration, err = meter.Float64Histogram("angrav.prompt.duration",
		metric.WithDescription("Full prompt cycle duration in seconds, injection to extraction"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("angrav.tokens",
		metric.WithDescription("Estimated tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamDeltas, err = meter.Int64Counter("angrav.stream.deltas",
		metric.WithDescription("Streaming deltas delivered to clients"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("angrav.queue.depth",
		metric.WithDescription("Requests currently queued or processing"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRejects, err = meter.Int64Counter("angrav.queue.rejects",
		metric.WithDescription("Requests rejected because a queue bound was hit"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsTracked, err = meter.Int64UpDownCounter("angrav.sessions.tracked",
		metric.WithDescription("Agent sessions currently tracked by the registry"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitsDetected, err = meter.Int64Counter("angrav.ratelimit.detections",
		metric.WithDescription("Rate-limit banners detected on agent surfaces"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

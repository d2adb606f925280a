package observe

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/chorushq/chorus/pkg/stt"
)

// InstrumentedBackend wraps an stt.Backend, recording the latency and
// outcome of every Transcribe call. Pure pass-through otherwise.
type InstrumentedBackend struct {
	stt.Backend
	metrics *Metrics
}

var _ stt.Backend = (*InstrumentedBackend)(nil)

// Instrument wraps backend with metrics recording.
func Instrument(backend stt.Backend, m *Metrics) *InstrumentedBackend {
	return &InstrumentedBackend{Backend: backend, metrics: m}
}

func (b *InstrumentedBackend) Transcribe(ctx context.Context, seg stt.Segment) (stt.Result, error) {
	start := time.Now()
	res, err := b.Backend.Transcribe(ctx, seg)

	status := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	b.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
	return res, err
}

package messagex

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

// TraceContextPropagator carries W3C trace context and baggage through
// message metadata, so a span started at the publisher continues at the
// subscriber across the broker hop.
type TraceContextPropagator struct {
	prop propagation.TextMapPropagator
}

func NewTraceContextPropagator() TraceContextPropagator {
	return TraceContextPropagator{
		prop: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
}

// Inject writes the context's trace state into the message metadata. A
// context without an active span leaves the metadata untouched.
func (t *TraceContextPropagator) Inject(ctx context.Context, m *Message) {
	t.prop.Inject(ctx, propagation.MapCarrier(m.Metadata))
}

// Extract returns ctx extended with the trace state found in the message
// metadata, or ctx unchanged when the message carries none.
func (t *TraceContextPropagator) Extract(ctx context.Context, m *Message) context.Context {
	return t.prop.Extract(ctx, propagation.MapCarrier(m.Metadata))
}

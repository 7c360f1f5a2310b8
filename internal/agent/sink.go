package agent

import (
	"context"

	"github.com/tronlabs/tron/pkg/models"
)

// EventSink receives the orchestrator's wire events. The gateway implements
// it by broadcasting envelopes to connected clients; tests implement it by
// recording. Emit must not block the turn: implementations that fan out to
// slow consumers drop or buffer on their side.
type EventSink interface {
	Emit(ctx context.Context, typ models.WireEventType, data any)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(context.Context, models.WireEventType, any) {}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(ctx context.Context, typ models.WireEventType, data any)

func (f SinkFunc) Emit(ctx context.Context, typ models.WireEventType, data any) {
	f(ctx, typ, data)
}

// MultiSink fans one event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Emit(ctx context.Context, typ models.WireEventType, data any) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, typ, data)
		}
	}
}

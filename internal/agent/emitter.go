package agent

import (
	"context"

	"github.com/fluxgate/fluxgate/internal/sessions"
)

type emitterKey struct{}

// WithEmitter attaches the running turn's event emitter to ctx so tools
// can publish into the turn's event stream (exec progress, approvals).
func WithEmitter(ctx context.Context, emit func(sessions.TurnEvent)) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

// EmitterFrom returns the turn emitter, or a no-op when the tool runs
// outside a turn.
func EmitterFrom(ctx context.Context) func(sessions.TurnEvent) {
	if emit, ok := ctx.Value(emitterKey{}).(func(sessions.TurnEvent)); ok {
		return emit
	}
	return func(sessions.TurnEvent) {}
}

package worker

import (
	"context"
	"fmt"

	"tripmesh/internal/protocol"
	"tripmesh/pkg"
)

// Handler is a domain handler bound to one typed request payload.
// It returns its result or an error; it never touches the bus.
type Handler[In pkg.RequestPayload, Out any] interface {
	Handle(ctx context.Context, in In) (Out, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc[In pkg.RequestPayload, Out any] func(ctx context.Context, in In) (Out, error)

func (f HandlerFunc[In, Out]) Handle(ctx context.Context, in In) (Out, error) {
	return f(ctx, in)
}

// ProcessFunc is the untyped form the harness runs: wire payload in, wire data out
type ProcessFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Adapt turns a typed handler into a ProcessFunc and reports the worker type
// its payload belongs to.
func Adapt[In pkg.RequestPayload, Out any](h Handler[In, Out]) (pkg.WorkerType, ProcessFunc) {
	var zero In
	return zero.Worker(), func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		var in In
		if err := protocol.DecodePayload(payload, &in); err != nil {
			return nil, fmt.Errorf("invalid %s payload: %w", zero.Worker(), err)
		}
		out, err := h.Handle(ctx, in)
		if err != nil {
			return nil, err
		}
		return protocol.EncodePayload(out)
	}
}

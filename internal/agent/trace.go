// ABOUTME: Trace-context pass-through using the global OpenTelemetry propagator.
// ABOUTME: Carriers are opaque string maps; no spans are created here.

package agent

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// InjectTrace returns the trace carrier for ctx, or nil if ctx carries none.
func InjectTrace(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// ExtractTrace attaches the remote trace context in carrier to ctx so spans
// started by handler code join the caller's trace.
func ExtractTrace(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}

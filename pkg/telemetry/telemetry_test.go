package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledSkipsProviderSetup(t *testing.T) {
	e, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, e)

	assert.NoError(t, e.Shutdown(context.Background()))
}

func TestEmit_DisabledEmitterDoesNotPanic(t *testing.T) {
	e, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		e.Emit(context.Background(), "exec-1", "flow-1", "1.0.0", "STARTED", map[string]any{"foo": "bar"}, "corr-1")
		e.Emit(context.Background(), "exec-1", "flow-1", "1.0.0", "COMPLETED", nil, "corr-1")
	})
}

func TestEmit_SatisfiesEventSinkSignature(t *testing.T) {
	// scheduler.EventSink expects exactly this method set; a compile-time
	// assertion that *Emitter satisfies it without importing pkg/scheduler
	// (which would create an import cycle risk for this test package).
	var sink interface {
		Emit(ctx context.Context, executionID, flowID, flowVersion, eventType string, data map[string]any, correlationID string)
	}
	e, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	sink = e
	assert.NotNil(t, sink)
}

package test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/catalyst-network/catalyst/internal/metrics"
)

// Tracer installs a tracer for the duration of a test. Spans are exported only
// when CATALYST_TRACES points to an OTLP collector.
func Tracer(t *testing.T) {
	shutdown, err := metrics.InitTracer(t.Name(), os.Getenv("CATALYST_TRACES"), 1)
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdown(context.Background())
	})
}

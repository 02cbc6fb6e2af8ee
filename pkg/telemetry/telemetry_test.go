package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RoundFinished("done", 120*time.Millisecond)
	m.RoundFinished("done", time.Second)
	m.RoundFinished("error", time.Second)
	m.ToolIteration()
	m.Paused(2, 1)
	m.TitleGenerated(nil)
	m.TitleGenerated(errors.New("boom"))
	m.StreamsInFlight(1)
	m.ChunkApplied("t")
	m.ChunkDropped("t", "bad")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rounds.WithLabelValues("done")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rounds.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolIterations))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pauses.WithLabelValues("confirmation")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.titles.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chunks.WithLabelValues("dropped")))

	count, err := testutil.GatherAndCount(reg, "threadline_chat_round_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestTracerProviderExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider(TracingOptions{ServiceName: "threadline-test", Version: "test", Writer: &buf})
	require.NoError(t, err)

	ctx, span := StartSpan(context.Background(), "chat.round", AttrThreadID.String("t1"))
	RecordError(ctx, errors.New("boom"))
	RecordError(ctx, nil)
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "chat.round")
	assert.Contains(t, buf.String(), "threadline.thread.id")

	var nilProvider *TracerProvider
	assert.NoError(t, nilProvider.Shutdown(context.Background()))
}

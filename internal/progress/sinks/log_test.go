package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/convertwatch/internal/progress"
)

func TestLogSinkWritesStructuredFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{
			Kind:     progress.KindError,
			JobID:    "job-a",
			TS:       time.Now(),
			Progress: progress.JobProgress{JobID: "job-a", Status: progress.StatusFailed},
			Failure:  &progress.Failure{Message: "bad codec"},
		},
	}))

	entries := logs.FilterMessage("progress event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "job-a", fields["job_id"])
	require.Equal(t, "error", fields["kind"])
	require.Equal(t, "bad codec", fields["error"])
	require.Equal(t, false, fields["transient"])
}

package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/catalog"
	"github.com/MarcoPoloResearchLab/marginalia/internal/highlights"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type stubRunner struct {
	calls  atomic.Int32
	result highlights.BatchResult
	err    error
	block  chan struct{}
}

func (r *stubRunner) RunAll(ctx context.Context) (highlights.BatchResult, error) {
	r.calls.Add(1)
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
		}
	}
	return r.result, r.err
}

func TestRunOnceLogsBatchSummary(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	book := catalog.BookRef{Type: catalog.BookTypeEbook, ID: "42"}
	runner := &stubRunner{result: highlights.BatchResult{
		Results:  []highlights.RunResult{{Book: book}},
		Failures: []highlights.BookFailure{{Book: catalog.BookRef{Type: catalog.BookTypeMagazine, ID: "7"}, Err: errors.New("boom")}},
	}}
	scheduler, err := NewScheduler(SchedulerConfig{Runner: runner, Logger: zap.New(core)})
	require.NoError(t, err)

	batch := scheduler.RunOnce(context.Background())
	assert.Len(t, batch.Results, 1)
	assert.Equal(t, 1, logs.FilterMessage("aggregation failed for book").Len())

	summary := logs.FilterMessage("aggregation batch completed").All()
	require.Len(t, summary, 1)
	fields := summary[0].ContextMap()
	assert.EqualValues(t, 1, fields["succeeded"])
	assert.EqualValues(t, 1, fields["failed"])
}

func TestRunOnceLogsRunnerError(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	scheduler, err := NewScheduler(SchedulerConfig{
		Runner: &stubRunner{err: errors.New("database gone")},
		Logger: zap.New(core),
	})
	require.NoError(t, err)

	batch := scheduler.RunOnce(context.Background())
	assert.Empty(t, batch.Results)
	assert.Equal(t, 1, logs.FilterMessage("aggregation batch failed").Len())
}

func TestNewSchedulerValidation(t *testing.T) {
	_, err := NewScheduler(SchedulerConfig{Schedule: "@every 1m"})
	assert.Error(t, err)

	_, err = NewScheduler(SchedulerConfig{Schedule: "not a schedule", Runner: &stubRunner{}})
	assert.Error(t, err)

	disabled, err := NewScheduler(SchedulerConfig{Runner: &stubRunner{}})
	require.NoError(t, err)
	assert.False(t, disabled.Enabled())
	disabled.Start()
	require.NoError(t, disabled.Stop(context.Background()))

	enabled, err := NewScheduler(SchedulerConfig{Schedule: "@every 15m", Runner: &stubRunner{}})
	require.NoError(t, err)
	assert.True(t, enabled.Enabled())
}

func TestSchedulerFiresAndSkipsOverlappingRuns(t *testing.T) {
	runner := &stubRunner{block: make(chan struct{})}
	scheduler, err := NewScheduler(SchedulerConfig{Schedule: "@every 1s", Runner: runner})
	require.NoError(t, err)

	scheduler.Start()
	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	// The first run is still blocked, so the next tick is skipped.
	time.Sleep(1500 * time.Millisecond)
	assert.EqualValues(t, 1, runner.calls.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, scheduler.Stop(ctx))
	require.NoError(t, scheduler.Stop(ctx))
}

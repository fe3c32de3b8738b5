package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
)

type countingSink struct {
	runs    int
	records int
	closed  bool
	err     error
}

func (c *countingSink) BeginRun(context.Context, Run) error {
	c.runs++
	return c.err
}

func (c *countingSink) Record(context.Context, types.Record) error {
	c.records++
	return c.err
}

func (c *countingSink) Close() error {
	c.closed = true
	return c.err
}

func TestMultiSinkReachesEverySink(t *testing.T) {
	boom := errors.New("boom")
	failing := &countingSink{err: boom}
	healthy := &countingSink{}
	sink := MultiSink{failing, healthy}

	run := testRun(t, time.Now())
	err := sink.BeginRun(context.Background(), run)
	assert.ErrorIs(t, err, boom)

	err = sink.Record(context.Background(), testRecord(run, 0))
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, 1, healthy.runs)
	assert.Equal(t, 1, healthy.records)

	assert.ErrorIs(t, sink.Close(), boom)
	assert.True(t, failing.closed)
	assert.True(t, healthy.closed)
}

func TestLogRecorder(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rec := NewLogRecorder(zap.New(core))

	run := testRun(t, time.Now())
	require.NoError(t, rec.BeginRun(context.Background(), run))
	require.NoError(t, rec.Record(context.Background(), testRecord(run, 2)))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "Run started", entries[0].Message)
	assert.Equal(t, "Measurement", entries[1].Message)

	fields := entries[1].ContextMap()
	assert.Equal(t, "cell-a", fields["test"])
	assert.EqualValues(t, 3602, fields["voltage_mv"])
	assert.NotContains(t, fields, "resistance_ohm")
}

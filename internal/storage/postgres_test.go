package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinKickass/OpenCellCycler/internal/config"
)

// Runs only against a throwaway database named by OCC_TEST_POSTGRES_DSN.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("OCC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("OCC_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	db, err := NewPostgresClient(ctx, config.DatabaseConfig{URL: dsn})
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.EnsureSchema(ctx))

	run := testRun(t, time.Now().UTC().Truncate(time.Millisecond))
	require.NoError(t, db.BeginRun(ctx, run))
	for i := 0; i < 4; i++ {
		require.NoError(t, db.Record(ctx, testRecord(run, i)))
	}

	recs, err := db.Measurements(ctx, run.ID, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 3602, recs[0].Measurement.Voltage)
	assert.Equal(t, 3603, recs[1].Measurement.Voltage)

	_, err = db.Measurements(ctx, uuid.New(), 2)
	assert.ErrorIs(t, err, ErrRunNotFound)
}

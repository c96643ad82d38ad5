package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ballistic/internal/ballistics"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func successRecord(index int, v50 float64) ballistics.ResultRecord {
	return ballistics.ResultRecord{
		Index:       index,
		Label:       "2x3",
		Thicknesses: []float64{2, 3},
		Status:      ballistics.FitSuccess,
		V50:         v50,
		ParamA:      0.7,
		ParamP:      2.1,
		RMSE:        1.5,
		VLow:        v50 - 3,
		VHigh:       v50 + 1,
		Runs:        18,
		PointsUsed: []ballistics.ObservationPoint{
			{ImpactVelocity: v50 + 1, ResidualVelocity: 20},
		},
		Converged: true,
	}
}

func failedRecord(index int) ballistics.ResultRecord {
	return ballistics.ResultRecord{
		Index:  index,
		Label:  "9",
		Status: ballistics.FitFailed,
		Reason: ballistics.ReasonNoPenetrationFound,
		VLow:   2278.125,
		VHigh:  math.Inf(1),
		Runs:   30,
	}
}

func TestSaveAndListRecords(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job := uuid.NewString()

	require.NoError(t, s.SaveRecord(ctx, job, failedRecord(2)))
	require.NoError(t, s.SaveRecord(ctx, job, successRecord(1, 812.4)))

	got, err := s.ListRecords(ctx, Filter{JobID: job})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1, got[0].Record.Index, "configuration order within a job")
	assert.InDelta(t, 812.4, got[0].Record.V50, 1e-9)
	assert.Equal(t, job, got[0].JobID)
	assert.WithinDuration(t, time.Now(), got[0].CreatedAt, time.Minute)

	assert.Equal(t, ballistics.ReasonNoPenetrationFound, got[1].Record.Reason)
	assert.True(t, math.IsInf(got[1].Record.VHigh, 1))

	failed, err := s.ListRecords(ctx, Filter{Status: "failed"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Record.Index)
}

func TestSaveRecordReplacesSameIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveRecord(ctx, "job", failedRecord(1)))
	require.NoError(t, s.SaveRecord(ctx, "job", successRecord(1, 700)))

	got, err := s.ListRecords(ctx, Filter{JobID: "job"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Record.Succeeded())
}

func TestListRecordsNewestJobFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.SaveRecord(ctx, "older", successRecord(1, 600)))
	require.NoError(t, s.SaveRecord(ctx, "newer", successRecord(1, 900)))
	require.NoError(t, s.SaveRecord(ctx, "newer", successRecord(2, 950)))

	got, err := s.ListRecords(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"newer", "newer", "older"}, []string{got[0].JobID, got[1].JobID, got[2].JobID})

	limited, err := s.ListRecords(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestJobs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	missing, err := s.GetJob(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	created := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	job := Job{ID: uuid.NewString(), Status: "running", Configurations: 3, CreatedAt: created}
	require.NoError(t, s.SaveJob(ctx, job))

	finished := time.Now().UTC().Truncate(time.Millisecond)
	job.Status = "completed"
	job.FinishedAt = &finished
	require.NoError(t, s.SaveJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 3, got.Configurations)
	assert.True(t, created.Equal(got.CreatedAt))
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))
}

func TestOpenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveRecord(context.Background(), "job", successRecord(1, 800)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.ListRecords(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

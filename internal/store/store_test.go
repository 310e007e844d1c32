package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmurscreen/internal/contract/contracttest"
	"murmurscreen/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "nested", "murmur.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestResolveRunID(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	_, err := st.ResolveRunID(ctx, "last")
	assert.ErrorIs(t, err, store.ErrNoLastRun)

	require.NoError(t, st.SetLastRunID(ctx, 42, time.Now()))
	id, err := st.ResolveRunID(ctx, "LAST")
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	require.NoError(t, st.SetLastRunID(ctx, 43, time.Now()))
	id, err = st.ResolveRunID(ctx, " last ")
	require.NoError(t, err)
	assert.EqualValues(t, 43, id)

	id, err = st.ResolveRunID(ctx, "7")
	require.NoError(t, err)
	assert.EqualValues(t, 7, id)

	for _, bad := range []string{"", "0", "-3", "abc"} {
		_, err := st.ResolveRunID(ctx, bad)
		assert.Error(t, err, bad)
	}
}

func TestClearStateIf(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	require.NoError(t, st.SetState(ctx, store.KeyLastRequestID, "req-2", time.Now()))

	cleared, err := st.ClearStateIf(ctx, store.KeyLastRequestID, "req-1")
	require.NoError(t, err)
	assert.False(t, cleared)
	v, err := st.GetState(ctx, store.KeyLastRequestID)
	require.NoError(t, err)
	assert.Equal(t, "req-2", v)

	cleared, err = st.ClearStateIf(ctx, store.KeyLastRequestID, "req-2")
	require.NoError(t, err)
	assert.True(t, cleared)
	_, err = st.ResolveRequestID(ctx, store.LastAlias)
	assert.ErrorIs(t, err, store.ErrNoLastRun)
}

func TestResolveRequestID(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	_, err := st.ResolveRequestID(ctx, "last")
	assert.ErrorIs(t, err, store.ErrNoLastRun)

	require.NoError(t, st.SetState(ctx, store.KeyLastRequestID, "req-9", time.Now()))
	got, err := st.ResolveRequestID(ctx, "last")
	require.NoError(t, err)
	assert.Equal(t, "req-9", got)

	got, err = st.ResolveRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", got)
}

func TestSubmissionIdempotency(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sub := &store.Submission{ID: "s1", Path: "/in/a.wav", Filename: "a.wav", SHA256: "abc", PatientID: "p1", Site: "Mitral",
		Status: store.SubmissionQueued, CreatedAt: now, UpdatedAt: now}
	_, err := st.InsertSubmission(ctx, sub)
	require.NoError(t, err)

	dup := *sub
	dup.ID = "s2"
	existing, err := st.InsertSubmission(ctx, &dup)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, "s1", existing.ID)

	other := *sub
	other.ID = "s3"
	other.Site = "Aortic"
	_, err = st.InsertSubmission(ctx, &other)
	require.NoError(t, err)

	require.NoError(t, st.MarkSubmissionRunning(ctx, "s1", now))
	require.NoError(t, st.MarkSubmissionDone(ctx, "s1", "req-1", "low", 88, now.Add(time.Second)))
	require.NoError(t, st.MarkSubmissionError(ctx, "s3", errors.New("backend down"), now))

	got, err := st.GetSubmission(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, store.SubmissionDone, got.Status)
	require.NotNil(t, got.RequestID)
	assert.Equal(t, "req-1", *got.RequestID)
	require.NotNil(t, got.QualityScore)
	assert.Equal(t, 88, *got.QualityScore)
	assert.Nil(t, got.LastError)

	statuses, err := st.SubmissionStatusByPath(ctx)
	require.NoError(t, err)
	assert.Contains(t, []string{store.SubmissionDone, store.SubmissionError}, statuses["/in/a.wav"].Status)
	assert.False(t, statuses["/in/a.wav"].UpdatedAt.IsZero())

	subs, err := st.ListSubmissions(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, subs, 2)

	assert.ErrorIs(t, st.MarkSubmissionRunning(ctx, "missing", now), store.ErrNotFound)
}

func TestResultsCache(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	older := contracttest.Predict("req-1", "p1")
	older.CreatedAt = "2026-01-01T09:00:00+00:00"
	newer := contracttest.Predict("req-2", "p1")
	newer.CreatedAt = "2026-01-02T09:00:00+00:00"
	other := contracttest.Predict("req-3", "p2")

	require.NoError(t, st.PutResult(ctx, older, time.Now()))
	require.NoError(t, st.PutResult(ctx, newer, time.Now()))
	require.NoError(t, st.PutResult(ctx, other, time.Now()))

	entries, err := st.ListResults(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "req-2", entries[0].RequestID)
	assert.Equal(t, "req-1", entries[1].RequestID)

	all, err := st.ListResults(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	got, err := st.GetResult(ctx, "req-2")
	require.NoError(t, err)
	assert.Equal(t, newer.Murmur, got.Murmur)
	assert.Equal(t, newer.Artifacts, got.Artifacts)

	require.NoError(t, st.DeleteResult(ctx, "req-2"))
	_, err = st.GetResult(ctx, "req-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, st.DeleteResult(ctx, "req-2"), store.ErrNotFound)
}

func TestJobsIdempotentAndLogs(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	j := &store.Job{Subject: "a.wav", Stage: "SUBMIT", Status: "queued", IdempotencyKey: "k1", CreatedAt: now, UpdatedAt: now}
	first, err := st.InsertJobIdempotent(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, "{}", first.ParamsJSON)

	again, err := st.InsertJobIdempotent(ctx, &store.Job{Subject: "a.wav", Stage: "SUBMIT", IdempotencyKey: "k1", CreatedAt: now, UpdatedAt: now})
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, first.ID, again.ID)

	require.NoError(t, st.MarkJobStarted(ctx, first.ID, now))
	require.NoError(t, st.AppendJobLog(ctx, first.ID, "one", now))
	require.NoError(t, st.AppendJobLog(ctx, first.ID, "two", now))
	require.NoError(t, st.MarkJobFinished(ctx, first.ID, "succeeded", now))

	got, err := st.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)

	lines, err := st.JobLogs(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, lines)

	require.NoError(t, st.ResetJob(ctx, first.ID, now))
	got, err = st.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "queued", got.Status)
	assert.Nil(t, got.FinishedAt)

	_, err = st.GetJob(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, st.Health(ctx))
}

func TestFailRunningJobs(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale, err := st.RecordJob(ctx, &store.Job{Subject: "a.wav", Stage: "SUBMIT", Status: "queued", IdempotencyKey: "k1", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	require.NoError(t, st.MarkJobStarted(ctx, stale.ID, now))
	queued, err := st.RecordJob(ctx, &store.Job{Subject: "b.wav", Stage: "SUBMIT", Status: "queued", IdempotencyKey: "k2", CreatedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	ids, err := st.FailRunningJobs(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{stale.ID}, ids)

	got, err := st.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.NotNil(t, got.FinishedAt)
	got, err = st.GetJob(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, "queued", got.Status)

	ids, err = st.FailRunningJobs(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

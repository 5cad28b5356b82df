package jobs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every Store backend must share.
// prefix keeps ids unique when the backend is a shared external server.
func runStoreContract(t *testing.T, store Store, prefix string) {
	t.Helper()
	ctx := context.Background()
	id := func(s string) string { return prefix + s }

	t.Run("create and get", func(t *testing.T) {
		job := sampleJob(id("create"), prefix+"owner", 2)
		job.Sections = []string{"title"}
		require.NoError(t, store.CreateJob(ctx, job))
		assert.Equal(t, int64(1), job.Version)

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobProcessing, got.Status)
		assert.Equal(t, 2, got.TotalCount)
		assert.Equal(t, []string{"title"}, got.Sections)
		require.Len(t, got.Items, 2)
		assert.Equal(t, ItemPending, got.Items[1].Status)

		err = store.CreateJob(ctx, sampleJob(job.ID, "x", 1))
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("compare and swap", func(t *testing.T) {
		job := sampleJob(id("cas"), prefix+"owner", 2)
		require.NoError(t, store.CreateJob(ctx, job))

		a, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		b, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)

		out := "copy"
		a.Items[0].Status = ItemCompleted
		a.Items[0].Output = &out
		require.NoError(t, store.UpdateJob(ctx, a))
		assert.Equal(t, int64(2), a.Version)
		assert.Equal(t, 1, a.CompletedCount)

		b.Items[1].Status = ItemFailed
		err = store.UpdateJob(ctx, b)
		assert.True(t, errors.Is(err, ErrVersionConflict), "got %v", err)

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, ItemCompleted, got.Items[0].Status)
		assert.Equal(t, ItemPending, got.Items[1].Status)
		assert.Equal(t, 1, got.CompletedCount)
		assert.Equal(t, 0, got.FailedCount)
	})

	t.Run("set status", func(t *testing.T) {
		job := sampleJob(id("status"), prefix+"owner", 1)
		require.NoError(t, store.CreateJob(ctx, job))
		require.NoError(t, store.SetJobStatus(ctx, job.ID, JobCompleted))

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)
		assert.Greater(t, got.Version, int64(1))

		assert.ErrorIs(t, store.SetJobStatus(ctx, id("nope"), JobFailed), ErrNotFound)
	})

	t.Run("set status leaves terminal jobs alone", func(t *testing.T) {
		job := sampleJob(id("settled"), prefix+"owner", 1)
		require.NoError(t, store.CreateJob(ctx, job))
		require.NoError(t, store.SetJobStatus(ctx, job.ID, JobCompleted))
		before, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)

		require.NoError(t, store.SetJobStatus(ctx, job.ID, JobFailed))

		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobCompleted, got.Status)
		assert.Equal(t, before.Version, got.Version)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, before.CompletedAt.Equal(*got.CompletedAt))
	})

	t.Run("not found", func(t *testing.T) {
		_, err := store.GetJob(ctx, id("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.UpdateJob(ctx, sampleJob(id("missing"), "o", 1)), ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		owner := prefix + "lister"
		base := time.Now().UTC().Add(-time.Hour)
		for i := 0; i < 3; i++ {
			j := sampleJob(id(fmt.Sprintf("list-%d", i)), owner, 1)
			j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			require.NoError(t, store.CreateJob(ctx, j))
		}
		require.NoError(t, store.SetJobStatus(ctx, id("list-0"), JobFailed))

		all, err := store.ListJobs(ctx, ListFilter{Owner: owner})
		require.NoError(t, err)
		assert.Equal(t, []string{id("list-2"), id("list-1"), id("list-0")}, jobIDs(all))

		failed, err := store.ListJobs(ctx, ListFilter{Owner: owner, Status: JobFailed})
		require.NoError(t, err)
		assert.Equal(t, []string{id("list-0")}, jobIDs(failed))

		limited, err := store.ListJobs(ctx, ListFilter{Owner: owner, Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore(), "mem-")
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, newTestSQLite(t), "lite-")
}

func testPrefix(kind string) string {
	return fmt.Sprintf("%s-%d-", kind, time.Now().UnixNano())
}

package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenbudget/internal/notify"
)

func openRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "state", "budget.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestDraftsRoundTripInOrder(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	drafts := []Draft{
		{ID: "p-2", Payload: json.RawMessage(`{"identifier":"b"}`)},
		{ID: "p-1", Payload: json.RawMessage(`{"identifier":"a"}`)},
	}
	require.NoError(t, repo.SaveDrafts(ctx, "account:4", drafts))
	require.NoError(t, repo.SaveDrafts(ctx, "account:5", drafts[:1]))

	got, err := repo.LoadDrafts(ctx, "account:4")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p-2", got[0].ID)
	assert.Equal(t, "p-1", got[1].ID)
	assert.JSONEq(t, `{"identifier":"a"}`, string(got[1].Payload))
	assert.False(t, got[0].UpdatedAt.IsZero())
}

func TestSaveDraftsReplacesPreviousSet(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveDrafts(ctx, "budget:1", []Draft{
		{ID: "a", Payload: json.RawMessage(`{}`)},
		{ID: "b", Payload: json.RawMessage(`{}`)},
	}))
	require.NoError(t, repo.SaveDrafts(ctx, "budget:1", []Draft{{ID: "b", Payload: json.RawMessage(`{"x":1}`)}}))

	got, err := repo.LoadDrafts(ctx, "budget:1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	removed, err := repo.DeleteDraft(ctx, "budget:1", "b")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = repo.DeleteDraft(ctx, "budget:1", "b")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestSaveDraftsRejectsMissingID(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.SaveDrafts(ctx, "k", []Draft{{ID: "keep", Payload: json.RawMessage(`{}`)}}))

	err := repo.SaveDrafts(ctx, "k", []Draft{{Payload: json.RawMessage(`{}`)}})
	require.Error(t, err)

	got, err := repo.LoadDrafts(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, got, 1, "failed save must roll back")
}

func TestNotificationsStoredNewestFirst(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, msg := range []string{"first", "second", "third"} {
		n := notify.New(notify.LevelError, "subaccount", msg)
		n.Time = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Notify(ctx, n))
		// Duplicate deliveries are ignored.
		require.NoError(t, repo.Notify(ctx, n))
	}

	all, err := repo.Notifications(ctx, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].Message)
	assert.Equal(t, notify.LevelError, all[0].Level)

	recent, err := repo.Notifications(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	pruned, err := repo.PruneNotifications(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.db")
	require.NoError(t, RunMigrations(path))
	require.NoError(t, RunMigrations(path))
}

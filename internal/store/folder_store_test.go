package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/tests/testutil"
)

func TestCommitCursorIsMonotonicWithinEpoch(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.CreateAccount(t, s, model.ProviderGeneric)
	inbox := testutil.CreateFolders(t, s, acct.ID, testutil.Folder("INBOX", model.RoleInbox))["INBOX"]

	c, err := s.GetFolderCursor(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Nil(t, c)

	base := model.FolderCursor{AccountID: acct.ID, FolderID: inbox.ID, ValidityEpoch: 5, HighWaterMark: 100, MarkKind: model.MarkModSeq}
	require.NoError(t, s.CommitCursor(ctx, base))

	lower := base
	lower.HighWaterMark = 50
	require.NoError(t, s.CommitCursor(ctx, lower))

	c, err = s.GetFolderCursor(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), c.HighWaterMark)

	reset := base
	reset.ValidityEpoch = 6
	reset.HighWaterMark = 10
	require.NoError(t, s.CommitCursor(ctx, reset))

	c, err = s.GetFolderCursor(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), c.ValidityEpoch)
	assert.Equal(t, uint64(10), c.HighWaterMark)
}

func TestReconcileFolderList(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.CreateAccount(t, s, model.ProviderGeneric)

	diff, err := s.ReconcileFolderList(ctx, acct.ID, []model.FolderInfo{
		testutil.Folder("INBOX", model.RoleInbox),
		testutil.Folder("Sent", model.RoleSent),
		testutil.Folder("Projects", model.RoleNone),
	})
	require.NoError(t, err)
	assert.Len(t, diff.Added, 3)

	list, err := s.ListFolders(ctx, acct.ID)
	require.NoError(t, err)
	folders := make(map[string]model.Folder, len(list))
	for _, f := range list {
		folders[f.Name] = f
	}
	sentID := folders["Sent"].ID
	projects := folders["Projects"]
	_, err = s.UpsertMessage(ctx, ref(acct.ID, projects.ID, 1, 1), model.MessageMeta{Key: "p1"})
	require.NoError(t, err)

	diff, err = s.ReconcileFolderList(ctx, acct.ID, []model.FolderInfo{
		testutil.Folder("INBOX", model.RoleInbox),
		testutil.Folder("Sent Items", model.RoleSent),
		testutil.Folder("Receipts", model.RoleNone),
	})
	require.NoError(t, err)

	require.Len(t, diff.Renamed, 1)
	assert.Equal(t, sentID, diff.Renamed[0].Folder.ID)
	assert.Equal(t, "Sent Items", diff.Renamed[0].NewName)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "Receipts", diff.Added[0].Name)
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, projects.ID, diff.Removed[0].ID)

	refs, err := s.KnownRefs(ctx, projects.ID)
	require.NoError(t, err)
	assert.Empty(t, refs)

	diff, err = s.ReconcileFolderList(ctx, acct.ID, []model.FolderInfo{
		testutil.Folder("INBOX", model.RoleInbox),
		testutil.Folder("Sent Items", model.RoleSent),
		testutil.Folder("Receipts", model.RoleNone),
	})
	require.NoError(t, err)
	assert.True(t, diff.Empty())
}

func TestFolderStatusRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.CreateAccount(t, s, model.ProviderGeneric)
	inbox := testutil.CreateFolders(t, s, acct.ID, testutil.Folder("INBOX", model.RoleInbox))["INBOX"]

	ts := time.Now().UTC().Truncate(time.Second)
	p := model.FolderProgress{
		FolderID:      inbox.ID,
		AccountID:     acct.ID,
		Name:          "INBOX",
		State:         model.EngineIdle,
		LastPassKind:  model.PassFull,
		LastPassStart: ts,
		LastPassEnd:   ts,
		Heartbeat:     ts,
		RemoteCount:   12,
		ValidityEpoch: 3,
		HighWaterMark: 44,
		LastError:     &model.SyncError{Message: "timeout"},
	}
	require.NoError(t, s.SaveFolderStatus(ctx, p))
	p.Applied = 12
	require.NoError(t, s.SaveFolderStatus(ctx, p))

	list, err := s.ListFolderStatus(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 12, list[0].Applied)
	assert.Equal(t, model.PassFull, list[0].LastPassKind)
	assert.Equal(t, uint64(44), list[0].HighWaterMark)
	require.NotNil(t, list[0].LastError)
	assert.Equal(t, "timeout", list[0].LastError.Message)
}

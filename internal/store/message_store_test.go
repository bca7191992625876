package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

func ref(acct, folder string, epoch uint64, uid uint32, flags ...string) model.RemoteMessageRef {
	return model.RemoteMessageRef{
		AccountID:     acct,
		FolderID:      folder,
		ValidityEpoch: epoch,
		RemoteUID:     uid,
		Flags:         flags,
	}
}

func TestUpsertMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.CreateAccount(t, s, model.ProviderGeneric)
	folders := testutil.CreateFolders(t, s, acct.ID, testutil.Folder("INBOX", model.RoleInbox))
	inbox := folders["INBOX"]

	r := ref(acct.ID, inbox.ID, 7, 1)
	meta := model.MessageMeta{Key: model.KeyForDigest("abc"), Subject: "hello"}

	id1, err := s.UpsertMessage(ctx, r, meta)
	require.NoError(t, err)
	id2, err := s.UpsertMessage(ctx, r, meta)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	msgs, err := s.ListMessages(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Subject)

	refs, err := s.KnownRefs(ctx, inbox.ID)
	require.NoError(t, err)
	assert.Len(t, refs, 1)

	thread, err := s.GetThread(ctx, msgs[0].ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, thread.MessageCount)
	assert.True(t, thread.Unread)
	assert.False(t, thread.Archived)
}

func TestUpsertMessageDedupsAcrossFolders(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.CreateAccount(t, s, model.ProviderGmail)
	folders := testutil.CreateFolders(t, s, acct.ID,
		testutil.Folder("INBOX", model.RoleInbox),
		testutil.Folder("[Gmail]/All Mail", model.RoleAll),
	)

	meta := model.MessageMeta{Key: model.KeyForGlobalID("1600000000000001"), ThreadKey: "gt:42"}
	inboxRef := ref(acct.ID, folders["INBOX"].ID, 1, 10)
	inboxRef.GlobalMessageID = "1600000000000001"
	allRef := ref(acct.ID, folders["[Gmail]/All Mail"].ID, 2, 500)
	allRef.GlobalMessageID = "1600000000000001"

	id1, err := s.UpsertMessage(ctx, inboxRef, meta)
	require.NoError(t, err)
	id2, err := s.UpsertMessage(ctx, allRef, meta)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	in, err := s.MessageFolders(ctx, id1)
	require.NoError(t, err)
	assert.Len(t, in, 2)
}

func TestUpdateFlagsRecomputesThread(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.CreateAccount(t, s, model.ProviderGeneric)
	inbox := testutil.CreateFolders(t, s, acct.ID, testutil.Folder("INBOX", model.RoleInbox))["INBOX"]

	r := ref(acct.ID, inbox.ID, 7, 3)
	id, err := s.UpsertMessage(ctx, r, model.MessageMeta{Key: "k1"})
	require.NoError(t, err)

	r.Flags = []string{model.FlagSeen, model.FlagFlagged}
	require.NoError(t, s.UpdateFlags(ctx, r))
	require.NoError(t, s.UpdateFlags(ctx, r))

	msg, err := s.GetMessage(ctx, id)
	require.NoError(t, err)
	thread, err := s.GetThread(ctx, msg.ThreadID)
	require.NoError(t, err)
	assert.False(t, thread.Unread)
	assert.True(t, thread.Starred)

	missing := ref(acct.ID, inbox.ID, 7, 99, model.FlagSeen)
	assert.ErrorIs(t, s.UpdateFlags(ctx, missing), store.ErrNotFound)
}

func TestRecordExpungeSoftRemoves(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.CreateAccount(t, s, model.ProviderGeneric)
	inbox := testutil.CreateFolders(t, s, acct.ID, testutil.Folder("INBOX", model.RoleInbox))["INBOX"]

	id, err := s.UpsertMessage(ctx, ref(acct.ID, inbox.ID, 7, 5), model.MessageMeta{Key: "k5"})
	require.NoError(t, err)

	require.NoError(t, s.RecordExpunge(ctx, inbox.ID, 5))
	require.NoError(t, s.RecordExpunge(ctx, inbox.ID, 5))

	msg, err := s.GetMessage(ctx, id)
	require.NoError(t, err, "the local message must survive an expunge")
	folders, err := s.MessageFolders(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, folders)

	thread, err := s.GetThread(ctx, msg.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 0, thread.MessageCount)
}

func TestInvalidateEpochDropsOnlyStaleRefs(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.CreateAccount(t, s, model.ProviderGeneric)
	inbox := testutil.CreateFolders(t, s, acct.ID, testutil.Folder("INBOX", model.RoleInbox))["INBOX"]

	for uid := uint32(1); uid <= 3; uid++ {
		_, err := s.UpsertMessage(ctx, ref(acct.ID, inbox.ID, 100, uid), model.MessageMeta{Key: model.KeyForUID(inbox.ID, 100, uid)})
		require.NoError(t, err)
	}
	_, err := s.UpsertMessage(ctx, ref(acct.ID, inbox.ID, 200, 9), model.MessageMeta{Key: "fresh"})
	require.NoError(t, err)

	n, err := s.InvalidateEpoch(ctx, inbox.ID, 200)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	refs, err := s.KnownRefs(ctx, inbox.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, uint64(200), refs[9].ValidityEpoch)

	n, err = s.InvalidateEpoch(ctx, inbox.ID, 200)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSyncErrorLog(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.CreateAccount(t, s, model.ProviderGeneric)

	require.NoError(t, s.RecordSyncError(ctx, acct.ID, "f1", 4, model.SyncError{Kind: model.ErrorPartialItem, Message: "parse"}))

	errs, err := s.ListSyncErrors(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrorPartialItem, errs[0].Kind)
}

func TestLateBodyRekeysPlaceholder(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.CreateAccount(t, s, model.ProviderGeneric)
	folders := testutil.CreateFolders(t, s, acct.ID, testutil.Folder("INBOX", model.RoleInbox))
	inbox := folders["INBOX"]

	r := ref(acct.ID, inbox.ID, 7, 3)
	placeholder := model.MessageMeta{Key: model.KeyForUID(inbox.ID, 7, 3), BodyMissing: true}
	id1, err := s.UpsertMessage(ctx, r, placeholder)
	require.NoError(t, err)

	refs, err := s.KnownRefs(ctx, inbox.ID)
	require.NoError(t, err)
	assert.True(t, refs[3].BodyMissing)

	full := model.MessageMeta{Key: model.KeyForDigest("abc"), BodyKey: "abc", Subject: "hello", ThreadKey: "hdr:<root@example.com>"}
	id2, err := s.UpsertMessage(ctx, r, full)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	msgs, err := s.ListMessages(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.KeyForDigest("abc"), msgs[0].Key)
	assert.Equal(t, "hello", msgs[0].Subject)
	assert.Equal(t, "abc", msgs[0].BodyKey)
	assert.False(t, msgs[0].BodyMissing)

	refs, err = s.KnownRefs(ctx, inbox.ID)
	require.NoError(t, err)
	assert.False(t, refs[3].BodyMissing)

	thread, err := s.GetThread(ctx, msgs[0].ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 1, thread.MessageCount)
}

func TestLateBodyMergesIntoExistingCopy(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	acct := testutil.CreateAccount(t, s, model.ProviderGeneric)
	folders := testutil.CreateFolders(t, s, acct.ID,
		testutil.Folder("INBOX", model.RoleInbox),
		testutil.Folder("Archive", model.RoleArchive),
	)
	inbox, archive := folders["INBOX"], folders["Archive"]
	full := model.MessageMeta{Key: model.KeyForDigest("abc"), BodyKey: "abc", Subject: "hello"}

	inboxRef := ref(acct.ID, inbox.ID, 7, 3)
	placeholderID, err := s.UpsertMessage(ctx, inboxRef, model.MessageMeta{Key: model.KeyForUID(inbox.ID, 7, 3), BodyMissing: true})
	require.NoError(t, err)
	copyID, err := s.UpsertMessage(ctx, ref(acct.ID, archive.ID, 9, 1), full)
	require.NoError(t, err)
	require.NotEqual(t, placeholderID, copyID)

	id, err := s.UpsertMessage(ctx, inboxRef, full)
	require.NoError(t, err)
	assert.Equal(t, copyID, id)

	msgs, err := s.ListMessages(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	in, err := s.MessageFolders(ctx, copyID)
	require.NoError(t, err)
	assert.Len(t, in, 2)

	_, err = s.GetMessage(ctx, placeholderID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

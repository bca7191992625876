package sync

import (
	"errors"
	"io"
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/provider/providertest"
	"github.com/nhle/mailsync/tests/testutil"
)

func inbox() model.FolderInfo {
	return testutil.Folder("INBOX", model.RoleInbox)
}

func TestFreshFolderRunsFullResync(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	raws := map[string][]byte{}
	for _, subject := range []string{"one", "two", "three"} {
		raw := providertest.RawMessage(subject+"@example.com", subject)
		raws[subject] = raw
		h.server.Deliver("INBOX", raw, providertest.DeliverOptions{Flags: []string{`\Seen`}})
	}

	e := h.engine("INBOX")
	res := h.pass(e)

	assert.Equal(t, model.PassFull, res.Kind)
	assert.Equal(t, 3, res.Stats.ByKind[model.ChangeNewMessage])
	assert.Equal(t, 3, res.Stats.Applied)
	assert.Equal(t, 3, res.RemoteCount)
	assert.Equal(t, model.EngineIdle, e.State())

	c := h.cursor("INBOX")
	require.NotNil(t, c)
	assert.Equal(t, uint64(100), c.ValidityEpoch)
	assert.Equal(t, model.MarkModSeq, c.MarkKind)
	assert.Equal(t, uint64(4), c.HighWaterMark)

	for subject, raw := range raws {
		m := h.messageBySubject(subject)
		assert.Equal(t, model.KeyForDigest(providertest.Digest(raw)), m.Key)
		assert.Equal(t, subject+"@example.com", m.HeaderMessageID)
		assert.Equal(t, "sender@example.com", m.From)
		require.NotEmpty(t, m.BodyKey)
		body, err := h.blocks.Get(h.ctx, m.BodyKey)
		require.NoError(t, err)
		assert.Equal(t, raw, body)
	}
	h.requireMirrors("INBOX")
}

func TestIncrementalPassAppliesOneFlagChange(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	h.deliver("INBOX", "one@example.com", "one", `\Seen`)
	uid := h.deliver("INBOX", "two@example.com", "two", `\Seen`)
	h.deliver("INBOX", "three@example.com", "three", `\Seen`)

	e := h.engine("INBOX")
	h.pass(e)
	assert.False(t, h.threadOf("two").Unread)

	h.server.SetFlags("INBOX", uid)
	res := h.pass(e)

	assert.Equal(t, model.PassIncremental, res.Kind)
	assert.Equal(t, 1, res.Stats.Applied)
	assert.Equal(t, 1, res.Stats.ByKind[model.ChangeFlags])
	assert.True(t, h.threadOf("two").Unread)
	assert.False(t, h.threadOf("one").Unread)
	assert.Equal(t, uint64(5), h.cursor("INBOX").HighWaterMark)
	h.requireMirrors("INBOX")
}

func (h *harness) threadOf(subject string) model.Thread {
	h.t.Helper()
	th, err := h.store.GetThread(h.ctx, h.messageBySubject(subject).ThreadID)
	require.NoError(h.t, err)
	return th
}

func TestEpochChangeReenumeratesFolder(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	h.deliver("INBOX", "one@example.com", "one")
	h.deliver("INBOX", "two@example.com", "two")
	h.deliver("INBOX", "three@example.com", "three")

	e := h.engine("INBOX")
	h.pass(e)
	h.server.ResetValidity("INBOX", 200)
	res := h.pass(e)

	assert.Equal(t, model.PassFull, res.Kind)
	assert.Equal(t, 1, res.Stats.ByKind[model.ChangeEpochInvalidated])
	assert.Equal(t, 3, res.Stats.ByKind[model.ChangeNewMessage])
	assert.Len(t, h.messages(), 3, "same content must not duplicate messages")

	refs, err := h.store.KnownRefs(h.ctx, h.folder("INBOX").ID)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	for _, r := range refs {
		assert.Equal(t, uint64(200), r.ValidityEpoch)
	}
	assert.Equal(t, uint64(200), h.cursor("INBOX").ValidityEpoch)
}

func TestExpungeBetweenSearchAndFetchSurfacesAsExpunged(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	h.deliver("INBOX", "one@example.com", "one")
	gone := h.deliver("INBOX", "two@example.com", "two")
	h.deliver("INBOX", "three@example.com", "three")

	e := h.engine("INBOX")
	h.pass(e)

	var once gosync.Once
	h.server.Hook(providertest.OpFetch, func() {
		once.Do(func() { h.server.Expunge("INBOX", gone) })
	})
	e.ForceFull()
	res := h.pass(e)

	assert.Equal(t, model.PassFull, res.Kind)
	assert.Equal(t, 1, res.Stats.ByKind[model.ChangeExpunged])
	h.requireMirrors("INBOX")

	folders, err := h.store.MessageFolders(h.ctx, h.messageBySubject("two").ID)
	require.NoError(t, err)
	assert.Empty(t, folders)
}

func TestVanishedNewMessageIsSkipped(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	h.deliver("INBOX", "one@example.com", "one")
	gone := h.deliver("INBOX", "two@example.com", "two")

	var once gosync.Once
	h.server.Hook(providertest.OpFetch, func() {
		once.Do(func() { h.server.Expunge("INBOX", gone) })
	})
	res := h.pass(h.engine("INBOX"))

	assert.Equal(t, 1, res.Stats.ByKind[model.ChangeNewMessage])
	assert.Zero(t, res.Stats.ByKind[model.ChangeExpunged])
	h.requireMirrors("INBOX")
}

func TestGmailMessageInTwoFoldersIsStoredOnce(t *testing.T) {
	caps := provider.Capabilities{CondStore: true, Idle: true, UIDPlus: true, Gmail: true}
	h := newHarness(t, model.ProviderGmail, caps,
		inbox(),
		testutil.Folder("[Gmail]/All Mail", model.RoleAll),
	)
	raw := providertest.RawMessage("m1@example.com", "hello")
	opts := providertest.DeliverOptions{
		Labels:   []string{`\Inbox`},
		GlobalID: "1600000000000001",
		ThreadID: "1600000000000009",
	}
	h.server.Deliver("INBOX", raw, opts)
	h.server.Deliver("[Gmail]/All Mail", raw, opts)

	h.pass(h.engine("INBOX"))
	h.pass(h.engine("[Gmail]/All Mail"))

	msgs := h.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, model.KeyForGlobalID("1600000000000001"), msgs[0].Key)

	folders, err := h.store.MessageFolders(h.ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{h.folder("INBOX").ID, h.folder("[Gmail]/All Mail").ID}, folders)

	th, err := h.store.GetThread(h.ctx, msgs[0].ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "gt:1600000000000009", th.Key)
	assert.Equal(t, 1, th.MessageCount)
}

func TestRestartBeforeCursorCommitReappliesWithoutDuplicates(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	h.deliver("INBOX", "one@example.com", "one")
	h.deliver("INBOX", "two@example.com", "two")
	third := h.deliver("INBOX", "three@example.com", "three")

	// The connection drops while the third body is fetched, after the
	// first two changes were applied.
	h.server.FailBody(third, io.ErrUnexpectedEOF)
	_, err := h.tryPass(h.engine("INBOX"))
	require.Error(t, err)
	assert.True(t, provider.IsNetworkError(err))
	assert.Nil(t, h.cursor("INBOX"), "cursor must not move past unapplied changes")
	assert.Len(t, h.messages(), 2)

	h.server.FailBody(third, nil)
	res := h.pass(h.engine("INBOX"))

	assert.Equal(t, 1, res.Stats.ByKind[model.ChangeNewMessage], "applied refs are not emitted again")
	assert.Len(t, h.messages(), 3)
	require.NotNil(t, h.cursor("INBOX"))
	h.requireMirrors("INBOX")
}

func TestRepeatedPassIsIdempotent(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	h.deliver("INBOX", "one@example.com", "one", `\Seen`)
	h.deliver("INBOX", "two@example.com", "two")

	e := h.engine("INBOX")
	h.pass(e)
	before := h.messages()
	fetches := h.server.Fetches()

	res := h.pass(e)
	assert.Zero(t, res.Stats.Applied)
	assert.Equal(t, fetches, h.server.Fetches(), "an unchanged folder needs no fetch")
	assert.Equal(t, before, h.messages())

	e.ForceFull()
	res = h.pass(e)
	assert.Equal(t, model.PassFull, res.Kind)
	assert.Zero(t, res.Stats.Applied)
	assert.Equal(t, before, h.messages())
}

func TestCursorNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	e := h.engine("INBOX")

	var last uint64
	steps := []func(){
		func() { h.deliver("INBOX", "a@example.com", "a") },
		func() { h.deliver("INBOX", "b@example.com", "b") },
		func() { h.server.SetFlags("INBOX", 1, `\Seen`) },
		func() { h.server.Expunge("INBOX", 2) },
		func() {},
		func() { e.ForceFull() },
	}
	for i, step := range steps {
		step()
		h.pass(e)
		c := h.cursor("INBOX")
		require.NotNil(t, c)
		assert.GreaterOrEqual(t, c.HighWaterMark, last, "step %d", i)
		last = c.HighWaterMark
		h.requireMirrors("INBOX")
	}
}

func TestServerWithoutModSeqUsesUIDMarks(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, provider.Capabilities{}, inbox())
	h.deliver("INBOX", "one@example.com", "one")
	gone := h.deliver("INBOX", "two@example.com", "two")

	e := h.engine("INBOX")
	h.pass(e)
	c := h.cursor("INBOX")
	assert.Equal(t, model.MarkUID, c.MarkKind)
	assert.Equal(t, uint64(2), c.HighWaterMark)

	h.server.SetFlags("INBOX", 1, `\Flagged`)
	h.server.Expunge("INBOX", gone)
	h.deliver("INBOX", "three@example.com", "three")
	res := h.pass(e)

	assert.Equal(t, model.PassIncremental, res.Kind)
	assert.Equal(t, 1, res.Stats.ByKind[model.ChangeFlags])
	assert.Equal(t, 1, res.Stats.ByKind[model.ChangeExpunged])
	assert.Equal(t, 1, res.Stats.ByKind[model.ChangeNewMessage])
	assert.Equal(t, uint64(3), h.cursor("INBOX").HighWaterMark)
	h.requireMirrors("INBOX")
}

func TestBodyFailureSkipsOnlyThatBody(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	h.deliver("INBOX", "one@example.com", "one")
	bad := h.deliver("INBOX", "two@example.com", "two")
	h.server.FailBody(bad, errors.New("BAD malformed message"))

	res := h.pass(h.engine("INBOX"))

	assert.Equal(t, 2, res.Stats.Applied)
	assert.Equal(t, 1, res.Stats.PartialFailures)
	require.Len(t, h.messages(), 2)
	require.NotNil(t, h.cursor("INBOX"))

	var missing int
	for _, m := range h.messages() {
		if m.BodyMissing {
			missing++
			assert.Empty(t, m.BodyKey)
		}
	}
	assert.Equal(t, 1, missing)

	errs, err := h.store.ListSyncErrors(h.ctx, h.account.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrorPartialItem, errs[0].Kind)
}

func TestFetchBodiesDisabled(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	uid := h.deliver("INBOX", "one@example.com", "one")

	cfg := testEngineConfig()
	cfg.FetchBodies = false
	h.pass(h.engineWith("INBOX", cfg))

	msgs := h.messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].BodyMissing)
	assert.Equal(t, model.KeyForUID(h.folder("INBOX").ID, 100, uid), msgs[0].Key)
}

func TestMissingBodyIsRetriedAndRekeyed(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	uid := h.deliver("INBOX", "one@example.com", "one")
	h.server.FailBody(uid, errors.New("NO body temporarily unavailable"))
	e := h.engine("INBOX")
	h.pass(e)

	msgs := h.messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].BodyMissing)
	placeholderID := msgs[0].ID

	h.server.FailBody(uid, nil)
	h.deliver("INBOX", "two@example.com", "two")
	res := h.pass(e)

	assert.Equal(t, model.PassIncremental, res.Kind)
	assert.Len(t, h.messages(), 2)
	one := h.messageBySubject("one")
	assert.Equal(t, placeholderID, one.ID)
	assert.False(t, one.BodyMissing)
	assert.NotEmpty(t, one.BodyKey)
	assert.Equal(t, model.KeyForDigest(one.BodyKey), one.Key)
}

func TestLateBodyJoinsCopyInAnotherFolder(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox(), testutil.Folder("Archive", model.RoleArchive))
	uid := h.deliver("INBOX", "one@example.com", "one")
	h.server.FailBody(uid, errors.New("NO body temporarily unavailable"))
	inboxEngine := h.engine("INBOX")
	h.pass(inboxEngine)
	h.server.FailBody(uid, nil)

	h.deliver("Archive", "one@example.com", "one")
	h.pass(h.engine("Archive"))
	require.Len(t, h.messages(), 2)

	inboxEngine.ForceFull()
	h.pass(inboxEngine)

	msgs := h.messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].BodyMissing)
	in, err := h.store.MessageFolders(h.ctx, msgs[0].ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{h.folder("INBOX").ID, h.folder("Archive").ID}, in)
}

func TestRepeatedEpochChangesEscalate(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	h.deliver("INBOX", "one@example.com", "one")

	cfg := testEngineConfig()
	cfg.MaxEpochResets = 1
	e := h.engineWith("INBOX", cfg)
	h.pass(e)

	h.server.ResetValidity("INBOX", 200)
	h.pass(e)

	h.server.ResetValidity("INBOX", 300)
	_, err := h.tryPass(e)
	require.Error(t, err)
	assert.True(t, provider.IsFatal(err))
	assert.Equal(t, model.EngineError, e.State())
	assert.Equal(t, uint64(200), h.cursor("INBOX").ValidityEpoch)
}

func TestRetriedEpochResyncCountsOnce(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	h.deliver("INBOX", "one@example.com", "one")

	cfg := testEngineConfig()
	cfg.MaxEpochResets = 1
	e := h.engineWith("INBOX", cfg)
	h.pass(e)

	h.server.ResetValidity("INBOX", 999)
	for i := 0; i < 3; i++ {
		h.server.FailNext(providertest.OpSearch, provider.Retryable("search", io.ErrUnexpectedEOF))
		_, err := h.tryPass(e)
		require.Error(t, err)
		assert.True(t, provider.IsRetryable(err), "attempt %d", i)
		assert.False(t, provider.IsFatal(err), "attempt %d", i)
	}

	res := h.pass(e)
	assert.Equal(t, model.PassFull, res.Kind)
	assert.Equal(t, uint64(999), h.cursor("INBOX").ValidityEpoch)
	assert.Len(t, h.messages(), 1)
}

func TestUnreadableMetadataIsSkippedNotExpunged(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	h.deliver("INBOX", "one@example.com", "one")
	two := h.deliver("INBOX", "two@example.com", "two")
	e := h.engine("INBOX")
	h.pass(e)

	h.server.FailMetadata(two, provider.Anomaly("fetch", errors.New("X-GM-LABELS: not a list")))
	h.deliver("INBOX", "three@example.com", "three")
	e.ForceFull()
	res := h.pass(e)

	assert.Equal(t, model.PassFull, res.Kind)
	assert.Zero(t, res.Stats.ByKind[model.ChangeExpunged])
	assert.Len(t, h.messages(), 3)
	refs, err := h.store.KnownRefs(h.ctx, h.folder("INBOX").ID)
	require.NoError(t, err)
	assert.Contains(t, refs, two)

	errs, err := h.store.ListSyncErrors(h.ctx, h.account.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrorPartialItem, errs[0].Kind)
}

func TestUnreadableNewMessageIsPickedUpLater(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	h.deliver("INBOX", "one@example.com", "one")
	e := h.engine("INBOX")
	h.pass(e)

	bad := h.deliver("INBOX", "two@example.com", "two")
	h.server.FailMetadata(bad, errors.New("MODSEQ: not a number"))
	res := h.pass(e)
	assert.Equal(t, model.PassIncremental, res.Kind)
	assert.Len(t, h.messages(), 1)

	h.server.FailMetadata(bad, nil)
	e.ForceFull()
	h.pass(e)
	assert.Len(t, h.messages(), 2)
	h.requireMirrors("INBOX")
}

func TestEpochRegressionIsRecordedAsAnomaly(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	h.deliver("INBOX", "one@example.com", "one")

	e := h.engine("INBOX")
	h.pass(e)
	h.server.ResetValidity("INBOX", 50)
	res := h.pass(e)

	assert.Equal(t, model.PassFull, res.Kind)
	assert.Equal(t, uint64(50), h.cursor("INBOX").ValidityEpoch)

	errs, err := h.store.ListSyncErrors(h.ctx, h.account.ID)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, model.ErrorDataAnomaly, errs[0].Kind)
}

func TestIncrementalRecoversRefMissedByChangeFetch(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	h.deliver("INBOX", "one@example.com", "one")
	h.deliver("INBOX", "two@example.com", "two")
	h.deliver("INBOX", "three@example.com", "three")

	e := h.engine("INBOX")
	h.pass(e)

	// Lose the local ref of an old message the change fetch will not
	// report again.
	require.NoError(t, h.store.RecordExpunge(h.ctx, h.folder("INBOX").ID, 2))

	res := h.pass(e)
	assert.Equal(t, model.PassIncremental, res.Kind)
	assert.Equal(t, 1, res.Stats.ByKind[model.ChangeNewMessage])
	h.requireMirrors("INBOX")

	res = h.pass(e)
	assert.Equal(t, model.PassFull, res.Kind, "a missed ref schedules a full resync")
	assert.Zero(t, res.Stats.Applied)
}

func TestHeaderThreadingGroupsReplies(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	h.server.Deliver("INBOX", providertest.RawMessage("root@example.com", "plan"), providertest.DeliverOptions{})
	h.server.Deliver("INBOX", providertest.RawMessage("reply@example.com", "Re: plan",
		"In-Reply-To: <root@example.com>",
		"References: <root@example.com>",
	), providertest.DeliverOptions{})
	h.server.Deliver("INBOX", providertest.RawMessage("other@example.com", "lunch"), providertest.DeliverOptions{})

	h.pass(h.engine("INBOX"))

	root := h.messageBySubject("plan")
	reply := h.messageBySubject("Re: plan")
	other := h.messageBySubject("lunch")
	assert.Equal(t, root.ThreadID, reply.ThreadID)
	assert.NotEqual(t, root.ThreadID, other.ThreadID)

	th := h.threadOf("plan")
	assert.Equal(t, "hdr:root@example.com", th.Key)
	assert.Equal(t, 2, th.MessageCount)
	assert.True(t, th.Unread)
}

func TestPassOnRemovedFolderReportsFolderGone(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	e := h.engine("INBOX")
	h.server.RemoveFolder("INBOX")

	_, err := h.tryPass(e)
	assert.ErrorIs(t, err, provider.ErrFolderGone)
}

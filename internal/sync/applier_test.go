package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/provider/providertest"
	"github.com/nhle/mailsync/tests/testutil"
)

type failingBlocks struct{}

func (failingBlocks) Put(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func (failingBlocks) Get(context.Context, string) ([]byte, error) {
	return nil, blockstore.ErrNotFound
}

func staticBody(raw []byte, calls *int) model.BodyFetcher {
	return model.BodyFetcherFunc(func(context.Context) ([]byte, error) {
		*calls++
		return raw, nil
	})
}

func (h *harness) ref(folder string, uid uint32, flags ...string) model.RemoteMessageRef {
	return model.RemoteMessageRef{
		AccountID:     h.account.ID,
		FolderID:      h.folder(folder).ID,
		ValidityEpoch: 100,
		RemoteUID:     uid,
		Flags:         flags,
	}
}

func TestApplierFlagsForUnknownRefIsAnomaly(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	a := NewApplier(h.store, h.blocks, h.account, h.folder("INBOX"))

	err := a.Apply(h.ctx, model.FlagsChanged(h.ref("INBOX", 42, `\Seen`)))
	require.Error(t, err)
	assert.Equal(t, provider.KindDataAnomaly, provider.KindOf(err))
}

func TestApplierReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	a := NewApplier(h.store, h.blocks, h.account, h.folder("INBOX"))
	raw := providertest.RawMessage("one@example.com", "one")

	var calls int
	changes := []model.Change{
		model.NewMessage(h.ref("INBOX", 1), staticBody(raw, &calls)),
		model.FlagsChanged(h.ref("INBOX", 1, `\Seen`)),
		model.Expunged(h.folder("INBOX").ID, 7),
	}
	for round := 0; round < 2; round++ {
		for _, c := range changes {
			require.NoError(t, a.Apply(h.ctx, c), "round %d", round)
		}
	}

	msgs := h.messages()
	require.Len(t, msgs, 1)
	refs, err := h.store.KnownRefs(h.ctx, h.folder("INBOX").ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, []string{`\Seen`}, refs[1].Flags)
	assert.False(t, h.threadOf("one").Unread)
}

func TestApplierSkipsKnownGmailBodies(t *testing.T) {
	h := newHarness(t, model.ProviderGmail, condstoreCaps,
		inbox(),
		testutil.Folder("[Gmail]/All Mail", model.RoleAll),
	)
	raw := providertest.RawMessage("m1@example.com", "hello")

	var calls int
	inboxRef := h.ref("INBOX", 1)
	inboxRef.GlobalMessageID = "42"
	a := NewApplier(h.store, h.blocks, h.account, h.folder("INBOX"))
	require.NoError(t, a.Apply(h.ctx, model.NewMessage(inboxRef, staticBody(raw, &calls))))

	allRef := h.ref("[Gmail]/All Mail", 9)
	allRef.ValidityEpoch = 101
	allRef.GlobalMessageID = "42"
	b := NewApplier(h.store, h.blocks, h.account, h.folder("[Gmail]/All Mail"))
	require.NoError(t, b.Apply(h.ctx, model.NewMessage(allRef, staticBody(raw, &calls))))

	assert.Equal(t, 1, calls)
	msgs := h.messages()
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].BodyKey)
	assert.False(t, msgs[0].BodyMissing)
}

func TestApplierBlockStoreFailureIsRetryable(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	a := NewApplier(h.store, failingBlocks{}, h.account, h.folder("INBOX"))

	var calls int
	raw := providertest.RawMessage("one@example.com", "one")
	err := a.Apply(h.ctx, model.NewMessage(h.ref("INBOX", 1), staticBody(raw, &calls)))
	require.Error(t, err)
	assert.True(t, provider.IsRetryable(err))
	assert.Empty(t, h.messages())
}

func TestApplierRunStopsAtFirstHardError(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	a := NewApplier(h.store, nil, h.account, h.folder("INBOX"))

	changes := make(chan model.Change, 3)
	changes <- model.NewMessage(h.ref("INBOX", 1), nil)
	changes <- model.FlagsChanged(h.ref("INBOX", 5, `\Seen`))
	changes <- model.NewMessage(h.ref("INBOX", 2), nil)
	close(changes)

	stats, err := a.Run(h.ctx, changes)
	require.Error(t, err)
	assert.Equal(t, provider.KindDataAnomaly, provider.KindOf(err))
	assert.Equal(t, 1, stats.Applied)
	assert.Len(t, h.messages(), 1)
}

func TestApplierWithoutBlockStoreStillKeysByContent(t *testing.T) {
	h := newHarness(t, model.ProviderGeneric, condstoreCaps, inbox())
	a := NewApplier(h.store, nil, h.account, h.folder("INBOX"))
	raw := providertest.RawMessage("one@example.com", "one")

	var calls int
	require.NoError(t, a.Apply(h.ctx, model.NewMessage(h.ref("INBOX", 1), staticBody(raw, &calls))))

	m := h.messageBySubject("one")
	assert.Equal(t, model.KeyForDigest(providertest.Digest(raw)), m.Key)
	assert.Empty(t, m.BodyKey)
}

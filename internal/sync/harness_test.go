package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/provider/providertest"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/tests/testutil"
)

var condstoreCaps = provider.Capabilities{CondStore: true, Idle: true, UIDPlus: true}

// harness pairs a fake server with a store holding the same folders.
type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *store.SQLStore
	blocks  *blockstore.FS
	server  *providertest.Server
	account model.Account
}

func newHarness(t *testing.T, kind model.ProviderKind, caps provider.Capabilities, folders ...model.FolderInfo) *harness {
	t.Helper()

	s := testutil.NewTestStore(t)
	blocks, err := blockstore.NewFS(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		store:   s,
		blocks:  blocks,
		server:  providertest.NewServer(caps),
		account: testutil.CreateAccount(t, s, kind),
	}
	for i, f := range folders {
		h.server.AddFolder(f.Name, uint64(100+i))
	}
	if len(folders) > 0 {
		testutil.CreateFolders(t, s, h.account.ID, folders...)
	}
	return h
}

func (h *harness) folder(name string) model.Folder {
	h.t.Helper()
	folders, err := h.store.ListFolders(h.ctx, h.account.ID)
	require.NoError(h.t, err)
	for _, f := range folders {
		if f.Name == name {
			return f
		}
	}
	h.t.Fatalf("no folder %q", name)
	return model.Folder{}
}

func testEngineConfig() EngineConfig {
	return EngineConfig{BatchSize: 2, QueueSize: 1, FetchBodies: true, MaxEpochResets: 3}
}

func (h *harness) engine(name string) *Engine {
	return h.engineWith(name, testEngineConfig())
}

func (h *harness) engineWith(name string, cfg EngineConfig) *Engine {
	return NewEngine(h.store, h.blocks, h.account, h.folder(name), cfg, nil)
}

func (h *harness) dial() provider.Session {
	h.t.Helper()
	sess, err := h.server.Dialer().Dial(h.ctx, h.account, credential.Credential{Username: "user", Secret: "pw"})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// tryPass runs one pass of e on a fresh session.
func (h *harness) tryPass(e *Engine) (PassResult, error) {
	return e.RunPass(h.ctx, h.dial())
}

func (h *harness) pass(e *Engine) PassResult {
	h.t.Helper()
	res, err := h.tryPass(e)
	require.NoError(h.t, err)
	return res
}

func (h *harness) deliver(folder, messageID, subject string, flags ...string) uint32 {
	return h.server.Deliver(folder, providertest.RawMessage(messageID, subject), providertest.DeliverOptions{Flags: flags})
}

func (h *harness) cursor(name string) *model.FolderCursor {
	h.t.Helper()
	c, err := h.store.GetFolderCursor(h.ctx, h.folder(name).ID)
	require.NoError(h.t, err)
	return c
}

func (h *harness) messages() []model.LocalMessage {
	h.t.Helper()
	msgs, err := h.store.ListMessages(h.ctx, h.account.ID)
	require.NoError(h.t, err)
	return msgs
}

func (h *harness) messageBySubject(subject string) model.LocalMessage {
	h.t.Helper()
	for _, m := range h.messages() {
		if m.Subject == subject {
			return m
		}
	}
	h.t.Fatalf("no message with subject %q", subject)
	return model.LocalMessage{}
}

// requireMirrors checks that the stored refs of a folder match the server
// uid for uid, flags included.
func (h *harness) requireMirrors(name string) {
	h.t.Helper()
	refs, err := h.store.KnownRefs(h.ctx, h.folder(name).ID)
	require.NoError(h.t, err)

	uids := h.server.UIDs(name)
	require.Len(h.t, refs, len(uids))
	for _, uid := range uids {
		ref, ok := refs[uid]
		require.True(h.t, ok, "uid %d missing locally", uid)
		msg, _ := h.server.Message(name, uid)
		require.True(h.t, model.SetsEqual(msg.Flags, ref.Flags), "uid %d flags %v, want %v", uid, ref.Flags, msg.Flags)
	}
}

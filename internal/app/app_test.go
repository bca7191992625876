package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/provider/providertest"
)

func testConfig(t *testing.T) *model.AppConfig {
	cfg := model.DefaultConfig()
	cfg.HostID = "test-host"
	cfg.Store.DSN = filepath.Join(t.TempDir(), "data", "mailsync.db")
	cfg.Blocks.Backend = "fs"
	cfg.Blocks.Dir = t.TempDir()
	cfg.HTTP.Addr = ""
	cfg.Supervisor = model.SupervisorConfig{PollIntervalSec: 1, ClaimTTLSec: 30, RestartCooldownSec: 1}
	return cfg
}

func newTestApp(t *testing.T, server *providertest.Server) *App {
	t.Helper()
	a, err := New(testConfig(t), Options{
		Dialer:  server.Dialer(),
		Keyring: keyring.NewArrayKeyring(nil),
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func addAccount(t *testing.T, a *App) model.Account {
	t.Helper()
	acct := model.Account{
		Email:         "user@example.com",
		Provider:      model.ProviderGeneric,
		IMAP:          &model.IMAPSettings{Host: "imap.example.com", Port: 993, TLS: true},
		SyncShouldRun: true,
	}
	require.NoError(t, a.Store().CreateAccount(context.Background(), &acct))
	require.NoError(t, a.Credentials().Set(acct.ID, credential.Credential{
		Username: "user",
		Secret:   "pw",
		Kind:     credential.KindPassword,
	}))
	return acct
}

func TestRunSyncsClaimedAccounts(t *testing.T) {
	server := providertest.NewServer(provider.Capabilities{CondStore: true, Idle: true, UIDPlus: true})
	server.AddFolder("INBOX", 100)
	server.Deliver("INBOX", providertest.RawMessage("one@example.com", "one"), providertest.DeliverOptions{})

	a := newTestApp(t, server)
	acct := addAccount(t, a)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		msgs, err := a.Store().ListMessages(context.Background(), acct.ID)
		return err == nil && len(msgs) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, a.Manager().IsRunning(acct.ID))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.False(t, a.Manager().IsRunning(acct.ID))

	got, err := a.Store().GetAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccountStopped, got.SyncState)
	assert.Empty(t, got.SyncHost)
}

func TestAppendMessageDialsWhenNotRunning(t *testing.T) {
	server := providertest.NewServer(provider.Capabilities{CondStore: true, UIDPlus: true})
	server.AddFolder("INBOX", 100)

	a := newTestApp(t, server)
	acct := addAccount(t, a)

	uid, err := a.AppendMessage(context.Background(), acct.ID, "INBOX",
		providertest.RawMessage("draft@example.com", "draft"), nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{uid}, server.UIDs("INBOX"))
	assert.Equal(t, 1, server.Dials())
	assert.Zero(t, server.OpenSessions())
}

func TestAppendMessageUnknownAccount(t *testing.T) {
	server := providertest.NewServer(provider.Capabilities{})
	a := newTestApp(t, server)

	_, err := a.AppendMessage(context.Background(), "missing", "INBOX", []byte("x"), nil)
	require.Error(t, err)
	assert.Zero(t, server.Dials())
}

func TestDialersCoverEveryProvider(t *testing.T) {
	reg := Dialers()
	for _, kind := range []model.ProviderKind{model.ProviderGeneric, model.ProviderGmail} {
		assert.Contains(t, reg, kind)
	}
}

package supervisor

import (
	"context"
	"errors"
	"sort"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/tests/testutil"
)

// fakeRunner records which accounts it runs.
type fakeRunner struct {
	mu       gosync.Mutex
	running  map[string]bool
	exited   map[string]error
	starts   int
	startErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{running: make(map[string]bool), exited: make(map[string]error)}
}

func (r *fakeRunner) Start(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	if !r.running[id] {
		r.running[id] = true
		r.starts++
	}
	return nil
}

func (r *fakeRunner) Stop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
}

func (r *fakeRunner) IsRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[id]
}

func (r *fakeRunner) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *fakeRunner) Reap() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.exited
	r.exited = make(map[string]error)
	return out
}

// exit simulates a coordinator stopping on its own.
func (r *fakeRunner) exit(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
	r.exited[id] = err
}

var testConfig = model.SupervisorConfig{PollIntervalSec: 1, ClaimTTLSec: 30, RestartCooldownSec: 60}

func newSupervisor(s store.AccountStore, host string) (*Supervisor, *fakeRunner) {
	r := newFakeRunner()
	return New(s, r, host, testConfig), r
}

func getAccount(t *testing.T, s store.Store, id string) model.Account {
	t.Helper()
	a, err := s.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestTickClaimsWantedAccounts(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	on := testutil.CreateAccount(t, s, model.ProviderGeneric)
	off := testutil.CreateAccount(t, s, model.ProviderGmail)
	require.NoError(t, s.SetSyncShouldRun(ctx, off.ID, false))

	sv, r := newSupervisor(s, "h1")
	require.NoError(t, sv.Tick(ctx))

	assert.Equal(t, []string{on.ID}, r.Running())
	assert.Equal(t, "h1", getAccount(t, s, on.ID).SyncHost)
	assert.Empty(t, getAccount(t, s, off.ID).SyncHost)

	require.NoError(t, sv.Tick(ctx))
	assert.Equal(t, 1, r.starts, "a running account is renewed, not restarted")
}

func TestOnlyOneHostClaimsAnAccount(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, s, model.ProviderGeneric)

	sv1, r1 := newSupervisor(s, "h1")
	sv2, r2 := newSupervisor(s, "h2")
	require.NoError(t, sv1.Tick(ctx))
	require.NoError(t, sv2.Tick(ctx))
	require.NoError(t, sv1.Tick(ctx))

	assert.True(t, r1.IsRunning(a.ID))
	assert.False(t, r2.IsRunning(a.ID))
	assert.Equal(t, "h1", getAccount(t, s, a.ID).SyncHost)
}

func TestExpiredClaimIsTakenOver(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, s, model.ProviderGeneric)

	sv1, r1 := newSupervisor(s, "h1")
	require.NoError(t, sv1.Tick(ctx))
	require.True(t, r1.IsRunning(a.ID))

	// h1 stopped renewing and its lease ran out.
	held, err := s.ClaimAccount(ctx, a.ID, "h1", -time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	sv2, r2 := newSupervisor(s, "h2")
	require.NoError(t, sv2.Tick(ctx))
	assert.True(t, r2.IsRunning(a.ID))
	assert.Equal(t, "h2", getAccount(t, s, a.ID).SyncHost)

	require.NoError(t, sv1.Tick(ctx))
	assert.False(t, r1.IsRunning(a.ID), "h1 stops once its renewal fails")
	assert.Equal(t, "h2", getAccount(t, s, a.ID).SyncHost)
}

func TestDisabledAccountIsStopped(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, s, model.ProviderGeneric)

	sv, r := newSupervisor(s, "h1")
	require.NoError(t, sv.Tick(ctx))
	require.True(t, r.IsRunning(a.ID))

	require.NoError(t, s.SetSyncShouldRun(ctx, a.ID, false))
	require.NoError(t, sv.Tick(ctx))

	assert.False(t, r.IsRunning(a.ID))
	got := getAccount(t, s, a.ID)
	assert.Empty(t, got.SyncHost)
	assert.Equal(t, model.AccountStopped, got.SyncState)
}

func TestDeletedAccountIsStopped(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, s, model.ProviderGeneric)

	sv, r := newSupervisor(s, "h1")
	require.NoError(t, sv.Tick(ctx))
	require.NoError(t, s.DeleteAccount(ctx, a.ID))
	require.NoError(t, sv.Tick(ctx))

	assert.Empty(t, r.Running())
}

func TestDesiredHostMigratesAccount(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, s, model.ProviderGeneric)

	sv1, r1 := newSupervisor(s, "h1")
	sv2, r2 := newSupervisor(s, "h2")
	require.NoError(t, sv1.Tick(ctx))

	require.NoError(t, s.SetDesiredHost(ctx, a.ID, "h2"))
	require.NoError(t, sv1.Tick(ctx))
	assert.False(t, r1.IsRunning(a.ID))
	assert.Empty(t, getAccount(t, s, a.ID).SyncHost)

	require.NoError(t, sv2.Tick(ctx))
	assert.True(t, r2.IsRunning(a.ID))
	assert.Equal(t, "h2", getAccount(t, s, a.ID).SyncHost)

	require.NoError(t, sv1.Tick(ctx))
	assert.False(t, r1.IsRunning(a.ID), "h1 does not take the account back")
}

func TestMigrateFromIntentHandsOffAccount(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, s, model.ProviderGeneric)

	sv1, r1 := newSupervisor(s, "h1")
	sv2, r2 := newSupervisor(s, "h2")
	require.NoError(t, sv1.Tick(ctx))

	require.NoError(t, s.EnqueueIntent(ctx, model.MigrationIntent{
		AccountID: a.ID,
		Kind:      model.IntentMigrateFrom,
		Host:      "h1",
		FromHost:  "h1",
		ToHost:    "h2",
	}))
	require.NoError(t, sv1.Tick(ctx))
	assert.False(t, r1.IsRunning(a.ID))
	assert.Equal(t, "h2", getAccount(t, s, a.ID).DesiredSyncHost)

	intents, err := s.ConsumeIntents(ctx, "h2")
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, model.IntentMigrateTo, intents[0].Kind)
	assert.Equal(t, "h1", intents[0].FromHost)

	require.NoError(t, sv2.Tick(ctx))
	assert.True(t, r2.IsRunning(a.ID))
}

func TestPanickedCoordinatorIsKilledAndCooledDown(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, s, model.ProviderGeneric)

	sv, r := newSupervisor(s, "h1")
	clock := time.Now()
	sv.now = func() time.Time { return clock }
	require.NoError(t, sv.Tick(ctx))

	r.exit(a.ID, &sync.PanicError{Value: "boom"})
	require.NoError(t, sv.Tick(ctx))

	got := getAccount(t, s, a.ID)
	assert.Equal(t, model.AccountKilled, got.SyncState)
	require.NotNil(t, got.LastError)
	assert.Equal(t, model.ErrorFatal, got.LastError.Kind)
	assert.False(t, r.IsRunning(a.ID), "restart waits for the cooldown")

	clock = clock.Add(2 * time.Minute)
	require.NoError(t, sv.Tick(ctx))
	assert.True(t, r.IsRunning(a.ID))
	assert.Equal(t, 2, r.starts)
}

func TestExitedCoordinatorKeepsItsState(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, s, model.ProviderGeneric)

	sv, r := newSupervisor(s, "h1")
	require.NoError(t, sv.Tick(ctx))

	cause := errors.New("authentication failed")
	require.NoError(t, s.SetAccountState(ctx, a.ID, model.AccountInvalid, model.NewSyncError(model.ErrorFatal, cause)))
	r.exit(a.ID, cause)
	require.NoError(t, sv.Tick(ctx))

	got := getAccount(t, s, a.ID)
	assert.Equal(t, model.AccountInvalid, got.SyncState)
	assert.Empty(t, got.SyncHost)
	assert.False(t, r.IsRunning(a.ID))
}

func TestFailedStartReleasesClaim(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, s, model.ProviderGeneric)

	sv, r := newSupervisor(s, "h1")
	r.startErr = errors.New("no dialer")
	require.NoError(t, sv.Tick(ctx))

	assert.Empty(t, getAccount(t, s, a.ID).SyncHost)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	s := testutil.NewTestStore(t)
	a := testutil.CreateAccount(t, s, model.ProviderGeneric)

	sv, r := newSupervisor(s, "h1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sv.Run(ctx) }()

	require.Eventually(t, func() bool { return r.IsRunning(a.ID) }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	assert.Empty(t, r.Running())
	got := getAccount(t, s, a.ID)
	assert.Empty(t, got.SyncHost)
	assert.Equal(t, model.AccountStopped, got.SyncState)
}

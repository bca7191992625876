package sync

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
)

const defaultReconcileInterval = 10 * time.Minute

// Deps bundles the collaborators shared by every account coordinator.
type Deps struct {
	Store  store.Store
	Blocks blockstore.Store
	Dialer provider.Dialer
	Creds  credential.Provider
	Config model.SyncConfig
}

type runnerHandle struct {
	runner *folderRunner
	cancel context.CancelFunc
}

// Coordinator runs every folder of one account: a runner per folder, a
// push listener on the primary folder and periodic folder list
// reconciliation. A fatal error pauses all of them while credentials are
// refreshed.
type Coordinator struct {
	deps     Deps
	account  model.Account
	pool     *Pool
	limiter  *rate.Limiter
	listener *listener

	reconcileCh chan struct{}

	mu      gosync.Mutex
	runners map[string]*runnerHandle
	// engines outlive runner restarts so forced resyncs and epoch reset
	// counts carry over.
	engines   map[string]*Engine
	state     model.AccountState
	lastErr   *model.SyncError
	updatedAt time.Time
}

// NewCoordinator returns a coordinator for account. Nothing runs until Run.
func NewCoordinator(account model.Account, deps Deps) *Coordinator {
	c := &Coordinator{
		deps:        deps,
		account:     account,
		reconcileCh: make(chan struct{}, 1),
		runners:     make(map[string]*runnerHandle),
		engines:     make(map[string]*Engine),
		state:       model.AccountStopped,
	}
	c.pool = NewPool(deps.Config.MaxConnections, c.dial)
	if deps.Config.FetchRatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(deps.Config.FetchRatePerSec), max(deps.Config.FetchBurst, 1))
	}
	c.listener = &listener{
		accountID: account.ID,
		pool:      c.pool,
		cfg:       deps.Config,
		primary:   c.primary,
		wake:      c.wake,
	}
	return c
}

func (c *Coordinator) dial(ctx context.Context) (provider.Session, error) {
	cred, err := c.deps.Creds.GetValidCredential(ctx, c.account.ID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &provider.AuthError{AccountID: c.account.ID, Message: err.Error()}
	}
	return c.deps.Dialer.Dial(ctx, c.account, cred)
}

// Run syncs the account until ctx is canceled or an unrecoverable error
// occurs.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.pool.Close()
	metrics.AccountsRunning.Inc()
	defer metrics.AccountsRunning.Dec()

	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil || err == nil {
			return nil
		}
		if !c.recover(ctx, err) {
			return err
		}
	}
}

func (c *Coordinator) runOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	defer c.forgetRunners()

	c.setState(ctx, model.AccountRunning, nil)
	if err := c.reconcileWithRetry(gctx, g); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	goSafe(g, func() error { return c.reconcileLoop(gctx, g) })
	goSafe(g, func() error { return c.listener.run(gctx) })
	return g.Wait()
}

// recover handles a fatal error. Authentication failures get one
// credential refresh; the account resumes if a fresh session can be
// opened.
func (c *Coordinator) recover(ctx context.Context, cause error) bool {
	fields := logrus.Fields{"account": c.account.ID}
	log.WithFields(fields).WithError(cause).Warn("account sync paused")

	if !provider.IsAuthError(cause) {
		c.setState(ctx, model.AccountConnError, cause)
		return false
	}

	c.deps.Creds.Invalidate(c.account.ID)
	c.pool.Drain()
	if _, err := c.deps.Creds.GetValidCredential(ctx, c.account.ID); err != nil {
		c.setState(ctx, model.AccountInvalid, fmt.Errorf("refreshing credential: %w", err))
		return false
	}
	sess, err := c.pool.Acquire(ctx)
	if err != nil {
		state := model.AccountConnError
		if provider.IsAuthError(err) {
			state = model.AccountInvalid
		}
		c.setState(ctx, state, err)
		return false
	}
	c.pool.Release(sess, false)
	log.WithFields(fields).Info("credential refreshed, resuming")
	return true
}

func (c *Coordinator) reconcileLoop(ctx context.Context, g *errgroup.Group) error {
	interval := c.deps.Config.FolderReconcileInterval()
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-c.reconcileCh:
		}
		if err := c.reconcileWithRetry(ctx, g); err != nil {
			return err
		}
	}
}

func (c *Coordinator) reconcileWithRetry(ctx context.Context, g *errgroup.Group) error {
	attempts := 0
	op := func() error {
		attempts++
		err := c.reconcile(ctx, g)
		if err != nil && (provider.IsFatal(err) || provider.IsCanceled(ctx, err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithFields(logrus.Fields{
			"account": c.account.ID,
			"attempt": attempts,
			"wait":    wait.Round(time.Millisecond),
		}).WithError(err).Warn("folder list reconciliation failed, retrying")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(newRetryBackOff(c.deps.Config), ctx), notify)
	switch {
	case err == nil, ctx.Err() != nil:
		return nil
	case provider.IsFatal(err):
		return err
	default:
		return provider.Fatal("list folders", fmt.Errorf("giving up after %d attempts: %w", attempts, err))
	}
}

// reconcile refreshes the folder list and starts or stops runners to
// match it.
func (c *Coordinator) reconcile(ctx context.Context, g *errgroup.Group) error {
	sess, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	infos, err := sess.ListFolders(ctx)
	c.pool.Release(sess, sessionBroken(ctx, err))
	if err != nil {
		return err
	}

	observed := make([]model.FolderInfo, 0, len(infos))
	for _, info := range infos {
		if info.Selectable && c.deps.Config.SyncsFolder(info.Name) {
			observed = append(observed, info)
		}
	}
	diff, err := c.deps.Store.ReconcileFolderList(ctx, c.account.ID, observed)
	if err != nil {
		return fmt.Errorf("reconciling folders of %s: %w", c.account.ID, err)
	}
	folders, err := c.deps.Store.ListFolders(ctx, c.account.ID)
	if err != nil {
		return err
	}
	if !diff.Empty() {
		log.WithFields(logrus.Fields{
			"account": c.account.ID,
			"added":   len(diff.Added),
			"removed": len(diff.Removed),
			"renamed": len(diff.Renamed),
		}).Info("folder list changed")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range diff.Removed {
		if h, ok := c.runners[f.ID]; ok {
			h.cancel()
			delete(c.runners, f.ID)
		}
		delete(c.engines, f.ID)
	}
	for _, f := range folders {
		if f.Removed {
			continue
		}
		if e, ok := c.engines[f.ID]; ok {
			e.SetFolder(f)
		}
		if _, ok := c.runners[f.ID]; !ok {
			c.startRunnerLocked(ctx, g, f)
		}
	}
	return nil
}

func (c *Coordinator) startRunnerLocked(ctx context.Context, g *errgroup.Group, f model.Folder) {
	e, ok := c.engines[f.ID]
	if !ok {
		e = NewEngine(c.deps.Store, c.deps.Blocks, c.account, f, EngineConfigFrom(c.deps.Config), c.limiter)
		c.engines[f.ID] = e
	}
	rctx, cancel := context.WithCancel(ctx)
	r := newFolderRunner(e, c.pool, c.deps.Store, c.deps.Config, c.requestReconcile)
	c.runners[f.ID] = &runnerHandle{runner: r, cancel: cancel}
	goSafe(g, func() error {
		defer cancel()
		return r.run(rctx)
	})
}

// goSafe runs fn in g, turning a panic into a PanicError.
func goSafe(g *errgroup.Group, fn func() error) {
	g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return fn()
	})
}

func (c *Coordinator) forgetRunners() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range c.runners {
		h.cancel()
		delete(c.runners, id)
	}
}

func (c *Coordinator) requestReconcile() {
	select {
	case c.reconcileCh <- struct{}{}:
	default:
	}
}

// primary returns the folder the push listener watches.
func (c *Coordinator) primary() (model.Folder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	folders := make([]model.Folder, 0, len(c.runners))
	for _, h := range c.runners {
		folders = append(folders, h.runner.engine.Folder())
	}
	return provider.PrimaryFolder(c.account.Provider, folders)
}

// wake reacts to a change on the primary folder. Gmail label changes
// surface in All Mail, so every folder is synced; otherwise only the
// primary one.
func (c *Coordinator) wake() {
	primary, ok := c.primary()

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, h := range c.runners {
		if c.account.Provider == model.ProviderGmail || (ok && id == primary.ID) {
			h.runner.Trigger()
		}
	}
}

// Resync triggers a pass of the named folder, a full one if full is set.
func (c *Coordinator) Resync(folderName string, full bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.runners {
		if h.runner.engine.Folder().Name == folderName {
			if full {
				h.runner.engine.ForceFull()
			}
			h.runner.Trigger()
			return nil
		}
	}
	return fmt.Errorf("folder %s of account %s: %w", folderName, c.account.ID, store.ErrNotFound)
}

// AppendMessage stores raw in folderName on the server and triggers a
// pass of that folder so the message is mirrored locally.
func (c *Coordinator) AppendMessage(ctx context.Context, folderName string, raw []byte, flags []string) (uint32, error) {
	sess, err := c.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	uid, err := sess.AppendMessage(ctx, folderName, raw, flags)
	c.pool.Release(sess, sessionBroken(ctx, err))
	if err != nil {
		return 0, err
	}
	if err := c.Resync(folderName, false); err != nil {
		log.WithField("folder", folderName).WithError(err).Warn("appended to a folder that is not synced")
	}
	return uid, nil
}

// Status reports the account state and per-folder progress.
func (c *Coordinator) Status() model.AccountStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := model.AccountStatus{
		AccountID: c.account.ID,
		State:     c.state,
		Host:      c.account.SyncHost,
		LastError: c.lastErr,
		UpdatedAt: c.updatedAt,
		Folders:   make([]model.FolderProgress, 0, len(c.runners)),
	}
	for _, h := range c.runners {
		st.Folders = append(st.Folders, h.runner.Progress())
	}
	sort.Slice(st.Folders, func(i, j int) bool { return st.Folders[i].Name < st.Folders[j].Name })
	return st
}

func (c *Coordinator) setState(ctx context.Context, state model.AccountState, cause error) {
	serr := model.NewSyncError(provider.KindOf(cause).ErrorKind(), cause)

	c.mu.Lock()
	c.state = state
	c.lastErr = serr
	c.updatedAt = time.Now()
	c.mu.Unlock()

	if err := c.deps.Store.SetAccountState(context.WithoutCancel(ctx), c.account.ID, state, serr); err != nil {
		log.WithField("account", c.account.ID).WithError(err).Error("saving account state")
	}
}

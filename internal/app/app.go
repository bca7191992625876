// Package app assembles the sync daemon from its configuration: store,
// block storage, credentials, provider dialers, the coordinator manager,
// the host supervisor and the status endpoint.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/99designs/keyring"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/statusapi"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/supervisor"
	"github.com/nhle/mailsync/internal/sync"
	"github.com/nhle/mailsync/internal/telemetry"
)

var log = logging.WithPkg("app")

// Version is stamped into traces and the startup log.
var Version = "dev"

// App is a fully wired daemon.
type App struct {
	cfg        *model.AppConfig
	store      *store.SQLStore
	blocks     blockstore.Store
	creds      *credential.KeyringProvider
	dialer     provider.Dialer
	manager    *sync.Manager
	supervisor *supervisor.Supervisor
	status     *statusapi.Server
}

// Options overrides collaborators that are otherwise built from config.
// Zero fields are built normally.
type Options struct {
	Dialer    provider.Dialer
	Keyring   keyring.Keyring
	Refresher credential.Refresher
}

// New opens every backend named by cfg. Call Close when done.
func New(cfg *model.AppConfig, opts Options) (*App, error) {
	s, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}

	blocks, err := blockstore.New(cfg.Blocks)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("opening block store: %w", err)
	}

	ring := opts.Keyring
	if ring == nil {
		ring, err = credential.OpenKeyring(credential.KeyringConfig{
			Service: cfg.Credentials.Service,
			FileDir: cfg.Credentials.FileDir,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	creds := credential.NewKeyringProvider(ring, opts.Refresher)

	dialer := opts.Dialer
	if dialer == nil {
		dialer = Dialers()
	}

	manager := sync.NewManager(sync.Deps{
		Store:  s,
		Blocks: blocks,
		Dialer: dialer,
		Creds:  creds,
		Config: cfg.Sync,
	})

	return &App{
		cfg:        cfg,
		store:      s,
		blocks:     blocks,
		creds:      creds,
		dialer:     dialer,
		manager:    manager,
		supervisor: supervisor.New(s, manager, cfg.HostID, cfg.Supervisor),
		status:     statusapi.New(manager, s, cfg.HostID),
	}, nil
}

// Store returns the account and message store.
func (a *App) Store() store.Store {
	return a.store
}

// Credentials returns the keyring-backed credential provider.
func (a *App) Credentials() *credential.KeyringProvider {
	return a.creds
}

// Manager returns the coordinator manager of this host.
func (a *App) Manager() *sync.Manager {
	return a.manager
}

// Run serves until ctx is canceled or a component fails. Tracing, the
// supervisor and the status endpoint share one lifetime.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := telemetry.Setup(ctx, a.cfg.Telemetry.OTLPEndpoint, Version)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("flushing traces")
		}
	}()

	log.WithField("host", a.cfg.HostID).WithField("version", Version).Info("mailsyncd starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.supervisor.Run(gctx)
	})
	if a.cfg.HTTP.Addr != "" {
		g.Go(func() error {
			return a.status.ListenAndServe(gctx, a.cfg.HTTP.Addr)
		})
	}
	err = g.Wait()
	a.manager.StopAll()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// AppendMessage uploads raw to folder of accountID. It goes through the
// local coordinator when the account runs here and dials a one-off
// session otherwise.
func (a *App) AppendMessage(
	ctx context.Context, accountID, folder string, raw []byte, flags []string,
) (uint32, error) {
	uid, err := a.manager.AppendMessage(ctx, accountID, folder, raw, flags)
	if !errors.Is(err, sync.ErrNotRunning) {
		return uid, err
	}

	account, err := a.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	cred, err := a.creds.GetValidCredential(ctx, accountID)
	if err != nil {
		return 0, err
	}
	sess, err := a.dialer.Dial(ctx, account, cred)
	if err != nil {
		return 0, err
	}
	defer sess.Close()
	return sess.AppendMessage(ctx, folder, raw, flags)
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

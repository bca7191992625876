// Package supervisor places accounts on sync hosts. Each host runs one
// Supervisor which claims accounts through a leased compare-and-swap on
// the account row, so at most one coordinator syncs an account at a time.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
)

var log = logging.WithPkg("supervisor")

const (
	defaultPollInterval    = 10 * time.Second
	defaultClaimTTL        = 60 * time.Second
	defaultRestartCooldown = 2 * time.Minute
)

// Runner starts and stops account coordinators on this host.
// *sync.Manager implements it.
type Runner interface {
	Start(ctx context.Context, accountID string) error
	Stop(accountID string)
	IsRunning(accountID string) bool
	Running() []string
	// Reap returns the exit errors of coordinators that stopped on their own.
	Reap() map[string]error
}

// Supervisor reconciles the accounts this host runs with the desired
// placement recorded in the store.
type Supervisor struct {
	store  store.AccountStore
	runner Runner
	host   string

	pollInterval time.Duration
	claimTTL     time.Duration
	cooldown     time.Duration

	triggerCh chan struct{}
	now       func() time.Time

	mu gosync.Mutex
	// restartAfter holds accounts whose coordinator exited, with the time
	// they may be started again.
	restartAfter map[string]time.Time
}

// New returns a supervisor for host.
func New(s store.AccountStore, runner Runner, host string, cfg model.SupervisorConfig) *Supervisor {
	sv := &Supervisor{
		store:        s,
		runner:       runner,
		host:         host,
		pollInterval: time.Duration(cfg.PollIntervalSec) * time.Second,
		claimTTL:     time.Duration(cfg.ClaimTTLSec) * time.Second,
		cooldown:     time.Duration(cfg.RestartCooldownSec) * time.Second,
		triggerCh:    make(chan struct{}, 1),
		now:          time.Now,
		restartAfter: make(map[string]time.Time),
	}
	if sv.pollInterval <= 0 {
		sv.pollInterval = defaultPollInterval
	}
	if sv.claimTTL <= sv.pollInterval {
		sv.claimTTL = max(defaultClaimTTL, 3*sv.pollInterval)
	}
	if sv.cooldown < 0 {
		sv.cooldown = defaultRestartCooldown
	}
	return sv
}

// Host returns the id this supervisor claims accounts under.
func (s *Supervisor) Host() string {
	return s.host
}

// Trigger asks for a reconciliation pass without waiting for the ticker.
func (s *Supervisor) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Run reconciles on every tick until ctx is canceled, then stops every
// local coordinator and releases its claim.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	defer s.Shutdown(context.WithoutCancel(ctx))

	log.WithField("host", s.host).Info("supervisor started")
	for {
		if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			log.WithField("host", s.host).WithError(err).Warn("supervisor pass failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.triggerCh:
		}
	}
}

// Tick runs one reconciliation pass: reap exited coordinators, consume
// migration intents, then start, renew or stop accounts to match the
// desired placement.
func (s *Supervisor) Tick(ctx context.Context) error {
	s.reap(ctx)

	intentErr := s.consumeIntents(ctx)

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return errors.Join(intentErr, fmt.Errorf("listing accounts: %w", err))
	}

	seen := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		seen[a.ID] = true
		if err := s.place(ctx, a); err != nil {
			log.WithField("account", a.ID).WithError(err).Warn("placing account")
		}
	}
	for _, id := range s.runner.Running() {
		if !seen[id] {
			s.stop(ctx, id, "account removed")
		}
	}
	return intentErr
}

// place brings one account in line with its desired state.
func (s *Supervisor) place(ctx context.Context, a model.Account) error {
	running := s.runner.IsRunning(a.ID)
	wanted := a.SyncShouldRun && !a.Deleted()
	elsewhere := a.DesiredSyncHost != "" && a.DesiredSyncHost != s.host

	switch {
	case running && wanted && elsewhere:
		return s.migrate(ctx, a.ID, a.DesiredSyncHost)

	case running && !wanted:
		s.stop(ctx, a.ID, "sync disabled")
		return nil

	case running:
		held, err := s.store.RenewClaim(ctx, a.ID, s.host, s.claimTTL)
		if err != nil {
			return err
		}
		if !held {
			// Another host took over an expired lease. Its coordinator
			// owns the account now; do not touch the claim or the state.
			metrics.SupervisorActions.WithLabelValues("claim_lost").Inc()
			log.WithField("account", a.ID).Warn("claim lost, stopping local sync")
			s.runner.Stop(a.ID)
		}
		return nil

	case wanted && !elsewhere:
		return s.start(ctx, a.ID)
	}
	return nil
}

func (s *Supervisor) start(ctx context.Context, id string) error {
	s.mu.Lock()
	until, cooling := s.restartAfter[id]
	if cooling && s.now().Before(until) {
		s.mu.Unlock()
		return nil
	}
	delete(s.restartAfter, id)
	s.mu.Unlock()

	held, err := s.store.ClaimAccount(ctx, id, s.host, s.claimTTL)
	if err != nil || !held {
		return err
	}
	if err := s.runner.Start(ctx, id); err != nil {
		if rerr := s.store.ReleaseClaim(ctx, id, s.host); rerr != nil {
			log.WithField("account", id).WithError(rerr).Error("releasing claim")
		}
		return fmt.Errorf("starting account %s: %w", id, err)
	}
	metrics.SupervisorActions.WithLabelValues("start").Inc()
	log.WithFields(logrus.Fields{"account": id, "host": s.host}).Info("account claimed")
	return nil
}

// stop shuts down a local coordinator and gives up its claim.
func (s *Supervisor) stop(ctx context.Context, id, reason string) {
	s.runner.Stop(id)
	if err := s.store.ReleaseClaim(ctx, id, s.host); err != nil {
		log.WithField("account", id).WithError(err).Error("releasing claim")
	}
	if err := s.store.SetAccountState(ctx, id, model.AccountStopped, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.WithField("account", id).WithError(err).Error("saving account state")
	}
	metrics.SupervisorActions.WithLabelValues("stop").Inc()
	log.WithFields(logrus.Fields{"account": id, "reason": reason}).Info("account released")
}

// migrate hands an account to another host: stop, release, then tell the
// target it may claim.
func (s *Supervisor) migrate(ctx context.Context, id, target string) error {
	s.stop(ctx, id, "migrating to "+target)
	metrics.SupervisorActions.WithLabelValues("migrate").Inc()
	return s.store.EnqueueIntent(ctx, model.MigrationIntent{
		AccountID: id,
		Kind:      model.IntentMigrateTo,
		Host:      target,
		FromHost:  s.host,
		ToHost:    target,
	})
}

func (s *Supervisor) consumeIntents(ctx context.Context) error {
	intents, err := s.store.ConsumeIntents(ctx, s.host)
	if err != nil {
		return fmt.Errorf("consuming intents: %w", err)
	}
	var errs []error
	for _, in := range intents {
		fields := logrus.Fields{
			"account": in.AccountID,
			"kind":    in.Kind,
			"from":    in.FromHost,
			"to":      in.ToHost,
		}
		log.WithFields(fields).Info("migration intent received")

		switch in.Kind {
		case model.IntentMigrateFrom:
			if in.ToHost == "" || in.ToHost == s.host {
				continue
			}
			// Record the target first so the next placement pass does not
			// reclaim the account here.
			if err := s.store.SetDesiredHost(ctx, in.AccountID, in.ToHost); err != nil {
				errs = append(errs, err)
				continue
			}
			if s.runner.IsRunning(in.AccountID) {
				errs = append(errs, s.migrate(ctx, in.AccountID, in.ToHost))
			}
		case model.IntentMigrateTo:
			s.mu.Lock()
			delete(s.restartAfter, in.AccountID)
			s.mu.Unlock()
			errs = append(errs, s.start(ctx, in.AccountID))
		default:
			log.WithFields(fields).Warn("unknown intent kind")
		}
	}
	return errors.Join(errs...)
}

// reap collects coordinators that exited on their own. The coordinator
// already recorded why it stopped, except when it panicked.
func (s *Supervisor) reap(ctx context.Context) {
	for id, err := range s.runner.Reap() {
		fields := logrus.Fields{"account": id}
		if sync.IsPanic(err) {
			var p *sync.PanicError
			errors.As(err, &p)
			log.WithFields(fields).WithField("stack", string(p.Stack)).Error("coordinator panicked")
			serr := model.NewSyncError(model.ErrorFatal, err)
			if werr := s.store.SetAccountState(ctx, id, model.AccountKilled, serr); werr != nil {
				log.WithFields(fields).WithError(werr).Error("saving account state")
			}
		} else {
			log.WithFields(fields).WithError(err).Warn("coordinator exited")
		}
		if rerr := s.store.ReleaseClaim(ctx, id, s.host); rerr != nil {
			log.WithFields(fields).WithError(rerr).Error("releasing claim")
		}

		s.mu.Lock()
		s.restartAfter[id] = s.now().Add(s.cooldown)
		s.mu.Unlock()
		metrics.SupervisorActions.WithLabelValues("reap").Inc()
	}
}

// Shutdown stops every local coordinator and releases its claim.
func (s *Supervisor) Shutdown(ctx context.Context) {
	for _, id := range s.runner.Running() {
		s.stop(ctx, id, "shutdown")
	}
	log.WithField("host", s.host).Info("supervisor stopped")
}

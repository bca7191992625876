package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
)

// defaultPollInterval is used when the config leaves polling unset.
const defaultPollInterval = 5 * time.Minute

// folderRunner drives one folder's engine: a pass at start, then one per
// poll tick or trigger. Failed passes are retried with backoff.
type folderRunner struct {
	engine *Engine
	pool   *Pool
	store  store.Store
	cfg    model.SyncConfig

	triggerCh chan struct{}
	// onGone is called when the folder disappeared remotely.
	onGone func()

	mu       gosync.Mutex
	progress model.FolderProgress
}

func newFolderRunner(engine *Engine, pool *Pool, s store.Store, cfg model.SyncConfig, onGone func()) *folderRunner {
	f := engine.Folder()
	return &folderRunner{
		engine:    engine,
		pool:      pool,
		store:     s,
		cfg:       cfg,
		triggerCh: make(chan struct{}, 1),
		onGone:    onGone,
		progress: model.FolderProgress{
			FolderID:  f.ID,
			AccountID: f.AccountID,
			Name:      f.Name,
			State:     model.EngineIdle,
		},
	}
}

// Trigger asks for a pass as soon as the current one, if any, finishes.
func (r *folderRunner) Trigger() {
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

// Progress returns a snapshot of the folder's sync state.
func (r *folderRunner) Progress() model.FolderProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.progress
	p.State = r.engine.State()
	return p
}

// run syncs until ctx is canceled. Only an error that should stop the
// account is returned.
func (r *folderRunner) run(ctx context.Context) error {
	interval := r.cfg.PollInterval()
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := r.syncWithRetry(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.triggerCh:
		}
	}
}

// syncWithRetry runs a pass, retrying transient failures. Exhausted
// retries escalate to a fatal error.
func (r *folderRunner) syncWithRetry(ctx context.Context) error {
	folder := r.engine.Folder()
	attempts := 0
	op := func() error {
		attempts++
		err := r.pass(ctx)
		switch {
		case err == nil:
			return nil
		case provider.IsCanceled(ctx, err):
			return backoff.Permanent(err)
		case errors.Is(err, provider.ErrFolderGone):
			return backoff.Permanent(err)
		case provider.IsFatal(err), IsPanic(err):
			return backoff.Permanent(err)
		case provider.KindOf(err) == provider.KindDataAnomaly:
			r.engine.ForceFull()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.WithFields(logrus.Fields{
			"account": folder.AccountID,
			"folder":  folder.Name,
			"attempt": attempts,
			"wait":    wait.Round(time.Millisecond),
		}).WithError(err).Warn("folder pass failed, retrying")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(newRetryBackOff(r.cfg), ctx), notify)
	switch {
	case err == nil:
		return nil
	case provider.IsCanceled(ctx, err):
		return err
	case errors.Is(err, provider.ErrFolderGone):
		log.WithFields(logrus.Fields{
			"account": folder.AccountID,
			"folder":  folder.Name,
		}).Info("folder vanished remotely")
		if r.onGone != nil {
			r.onGone()
		}
		return nil
	case provider.IsFatal(err), IsPanic(err):
		return err
	default:
		return provider.Fatal("sync "+folder.Name, fmt.Errorf("giving up after %d attempts: %w", attempts, err))
	}
}

// pass borrows a session and runs one engine pass on it.
func (r *folderRunner) pass(ctx context.Context) error {
	sess, err := r.pool.Acquire(ctx)
	if err != nil {
		r.record(ctx, PassResult{}, err)
		return err
	}
	res, err := r.engine.RunPass(ctx, sess)
	r.pool.Release(sess, sessionBroken(ctx, err))
	r.record(ctx, res, err)
	return err
}

// sessionBroken reports whether a session that failed with err is unsafe
// to reuse.
func sessionBroken(ctx context.Context, err error) bool {
	if err == nil || errors.Is(err, provider.ErrFolderGone) {
		return false
	}
	return provider.IsCanceled(ctx, err) || provider.IsNetworkError(err) || provider.IsRetryable(err) ||
		provider.IsFatal(err)
}

func (r *folderRunner) record(ctx context.Context, res PassResult, err error) {
	folder := r.engine.Folder()

	r.mu.Lock()
	p := &r.progress
	p.Name = folder.Name
	p.State = r.engine.State()
	p.Heartbeat = time.Now()
	if err == nil {
		p.LastPassKind = res.Kind
		p.LastPassStart = res.Start
		p.LastPassEnd = res.End
		p.PassDuration = res.End.Sub(res.Start)
		p.RemoteCount = res.RemoteCount
		p.Applied = res.Stats.Applied
		p.ValidityEpoch = res.Cursor.ValidityEpoch
		p.HighWaterMark = res.Cursor.HighWaterMark
		p.LastError = nil
	} else if !provider.IsCanceled(ctx, err) {
		p.LastError = model.NewSyncError(provider.KindOf(err).ErrorKind(), err)
	}
	snapshot := *p
	r.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err := r.store.SaveFolderStatus(ctx, snapshot); err != nil {
		log.WithError(err).WithField("folder", folder.Name).Warn("saving folder status")
	}
	if snapshot.LastError != nil && err != nil {
		if rerr := r.store.RecordSyncError(ctx, folder.AccountID, folder.ID, 0, *snapshot.LastError); rerr != nil {
			log.WithError(rerr).Error("recording sync error")
		}
	}
}

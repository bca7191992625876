package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
)

const (
	defaultIdleTimeout      = 25 * time.Minute
	defaultFastPollInterval = 30 * time.Second
)

// listener holds an IDLE session on the account's primary folder and
// wakes folder runners when it reports changes. Without IDLE, or with a
// single connection to share, it polls the primary folder instead.
type listener struct {
	accountID string
	pool      *Pool
	cfg       model.SyncConfig
	// primary returns the folder to watch.
	primary func() (model.Folder, bool)
	// wake is called for every change notification.
	wake func()
}

func (l *listener) run(ctx context.Context) error {
	if l.pool.Size() < 2 {
		return l.poll(ctx)
	}

	b := newRetryBackOff(l.cfg)
	for {
		err := l.listen(ctx, b.Reset)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, provider.ErrIdleUnsupported):
			log.WithField("account", l.accountID).Info("server lacks IDLE, polling the primary folder")
			return l.poll(ctx)
		case provider.IsFatal(err) && !errors.Is(err, provider.ErrFolderGone):
			return err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return provider.Fatal("idle", fmt.Errorf("giving up on push notifications: %w", err))
		}
		log.WithFields(logrus.Fields{
			"account": l.accountID,
			"wait":    wait.Round(time.Millisecond),
		}).WithError(err).Warn("idle session failed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// listen idles on the primary folder until an error. healthy is called
// after every clean wakeup.
func (l *listener) listen(ctx context.Context, healthy func()) (err error) {
	folder, ok := l.primary()
	if !ok {
		return fmt.Errorf("no primary folder: %w", provider.ErrFolderGone)
	}

	sess, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		l.pool.Release(sess, err != nil && !errors.Is(err, provider.ErrIdleUnsupported))
	}()

	if !sess.Capabilities().Idle {
		return provider.ErrIdleUnsupported
	}
	if _, err := sess.SelectFolder(ctx, folder.Name, true); err != nil {
		return err
	}

	timeout := l.cfg.IdleTimeout()
	if timeout <= 0 {
		timeout = defaultIdleTimeout
	}
	for {
		res, err := sess.IdleWait(ctx, timeout)
		if err != nil {
			metrics.IdleWakeups.WithLabelValues("error").Inc()
			return err
		}
		metrics.IdleWakeups.WithLabelValues(res.String()).Inc()
		switch res {
		case provider.IdleCanceled:
			return ctx.Err()
		case provider.IdleNewData:
			log.WithFields(logrus.Fields{
				"account": l.accountID,
				"folder":  folder.Name,
			}).Debug("idle reported changes")
			l.wake()
		}
		healthy()
	}
}

func (l *listener) poll(ctx context.Context) error {
	interval := l.cfg.FastPollInterval()
	if interval <= 0 {
		interval = defaultFastPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.wake()
		}
	}
}

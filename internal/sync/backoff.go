package sync

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nhle/mailsync/internal/model"
)

// newRetryBackOff builds the jittered exponential schedule used between
// retries of a failing folder pass. It stops after cfg.MaxRetries.
func newRetryBackOff(cfg model.SyncConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(cfg.BackoffInitialMs) * time.Millisecond
	b.MaxInterval = time.Duration(cfg.BackoffMaxSec) * time.Second
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(cfg.MaxRetries))
}

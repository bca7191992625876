// Package credential supplies account credentials to the sync engine.
package credential

import (
	"context"
	"time"
)

//go:generate mockgen -destination=mock/mock_provider.go -package=mock . Provider,Refresher

// Kind selects the authentication mechanism.
type Kind string

const (
	KindPassword Kind = "password"
	// KindOAuth credentials authenticate with SASL OAUTHBEARER.
	KindOAuth Kind = "oauth"
)

// Credential is what a session needs to authenticate.
type Credential struct {
	Username  string    `json:"username"`
	Secret    string    `json:"secret"`
	Kind      Kind      `json:"kind"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether an expiring credential is past, or within
// slack of, its expiry.
func (c Credential) Expired(now time.Time, slack time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(slack).Before(c.ExpiresAt)
}

// Provider returns a credential that is valid right now, refreshing it if
// needed.
type Provider interface {
	GetValidCredential(ctx context.Context, accountID string) (Credential, error)
	// Invalidate forces the next GetValidCredential to refresh.
	Invalidate(accountID string)
}

// Refresher exchanges a stale credential for a fresh one. Token exchange
// itself lives outside this module.
type Refresher interface {
	Refresh(ctx context.Context, accountID string, stale Credential) (Credential, error)
}

package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/99designs/keyring"
)

// ErrNotFound is returned when no credential is stored for an account.
var ErrNotFound = errors.New("credential not found")

// refreshSlack refreshes tokens slightly before they expire.
const refreshSlack = 2 * time.Minute

// KeyringConfig selects the keyring service and file backend location.
type KeyringConfig struct {
	Service string
	FileDir string
}

// KeyringProvider stores credentials in the system keyring, keyed by
// account id.
type KeyringProvider struct {
	ring      keyring.Keyring
	refresher Refresher
	now       func() time.Time

	mu    gosync.Mutex
	stale map[string]bool
}

// OpenKeyring opens the configured keyring.
func OpenKeyring(cfg KeyringConfig) (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: cfg.Service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(cfg.Service + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// NewKeyringProvider returns a provider reading from ring. refresher may
// be nil, in which case expired credentials are returned as errors.
func NewKeyringProvider(ring keyring.Keyring, refresher Refresher) *KeyringProvider {
	return &KeyringProvider{
		ring:      ring,
		refresher: refresher,
		now:       time.Now,
		stale:     make(map[string]bool),
	}
}

func itemKey(accountID string) string {
	return "account/" + accountID
}

// Get returns the stored credential for accountID as is.
func (p *KeyringProvider) Get(accountID string) (Credential, error) {
	item, err := p.ring.Get(itemKey(accountID))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return Credential{}, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return Credential{}, fmt.Errorf("getting credential for %s: %w", accountID, err)
	}

	var cred Credential
	if err := json.Unmarshal(item.Data, &cred); err != nil {
		return Credential{}, fmt.Errorf("decoding credential for %s: %w", accountID, err)
	}
	if cred.Kind == "" {
		cred.Kind = KindPassword
	}
	return cred, nil
}

// Set stores cred for accountID.
func (p *KeyringProvider) Set(accountID string, cred Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding credential for %s: %w", accountID, err)
	}
	err = p.ring.Set(keyring.Item{
		Key:   itemKey(accountID),
		Label: "mailsync account " + accountID,
		Data:  data,
	})
	if err != nil {
		return fmt.Errorf("setting credential for %s: %w", accountID, err)
	}
	return nil
}

// Delete removes the credential for accountID.
func (p *KeyringProvider) Delete(accountID string) error {
	if err := p.ring.Remove(itemKey(accountID)); err != nil {
		return fmt.Errorf("deleting credential for %s: %w", accountID, err)
	}
	return nil
}

// GetValidCredential returns the stored credential, refreshing it first
// when it is expired or has been invalidated.
func (p *KeyringProvider) GetValidCredential(ctx context.Context, accountID string) (Credential, error) {
	cred, err := p.Get(accountID)
	if err != nil {
		return Credential{}, err
	}

	p.mu.Lock()
	stale := p.stale[accountID]
	p.mu.Unlock()

	if !stale && !cred.Expired(p.now(), refreshSlack) {
		return cred, nil
	}
	if p.refresher == nil {
		if stale && cred.Kind == KindPassword {
			// Passwords cannot be refreshed; hand back what we have and let
			// the server decide.
			return cred, nil
		}
		return Credential{}, fmt.Errorf("credential for %s expired and no refresher is configured", accountID)
	}

	fresh, err := p.refresher.Refresh(ctx, accountID, cred)
	if err != nil {
		return Credential{}, fmt.Errorf("refreshing credential for %s: %w", accountID, err)
	}
	if err := p.Set(accountID, fresh); err != nil {
		return Credential{}, err
	}

	p.mu.Lock()
	delete(p.stale, accountID)
	p.mu.Unlock()

	return fresh, nil
}

// Invalidate marks the credential for accountID as needing a refresh.
func (p *KeyringProvider) Invalidate(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stale[accountID] = true
}

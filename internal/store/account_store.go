package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

type accountSettings struct {
	IMAP  *model.IMAPSettings  `json:"imap,omitempty"`
	Gmail *model.GmailSettings `json:"gmail,omitempty"`
}

type accountRow struct {
	ID               string     `db:"id"`
	Email            string     `db:"email"`
	Provider         string     `db:"provider"`
	Settings         string     `db:"settings"`
	SyncShouldRun    bool       `db:"sync_should_run"`
	SyncHost         string     `db:"sync_host"`
	DesiredSyncHost  string     `db:"desired_sync_host"`
	ClaimExpiresUnix int64      `db:"claim_expires_unix"`
	SyncState        string     `db:"sync_state"`
	LastError        string     `db:"last_error"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	DeletedAt        *time.Time `db:"deleted_at"`
}

func (r accountRow) toModel() (model.Account, error) {
	var settings accountSettings
	if err := json.Unmarshal([]byte(r.Settings), &settings); err != nil {
		return model.Account{}, fmt.Errorf("decoding settings of account %s: %w", r.ID, err)
	}

	a := model.Account{
		ID:              r.ID,
		Email:           r.Email,
		Provider:        model.ProviderKind(r.Provider),
		IMAP:            settings.IMAP,
		Gmail:           settings.Gmail,
		SyncShouldRun:   r.SyncShouldRun,
		SyncHost:        r.SyncHost,
		DesiredSyncHost: r.DesiredSyncHost,
		SyncState:       model.AccountState(r.SyncState),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		DeletedAt:       r.DeletedAt,
	}
	if r.ClaimExpiresUnix > 0 {
		a.ClaimExpiresAt = time.Unix(r.ClaimExpiresUnix, 0).UTC()
	}
	if r.LastError != "" {
		var serr model.SyncError
		if err := json.Unmarshal([]byte(r.LastError), &serr); err == nil {
			a.LastError = &serr
		}
	}
	return a, nil
}

const accountColumns = `id, email, provider, settings, sync_should_run, sync_host,
	desired_sync_host, claim_expires_unix, sync_state, last_error,
	created_at, updated_at, deleted_at`

// CreateAccount inserts a new account. An empty ID is assigned a UUID.
func (s *SQLStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if !a.Provider.Valid() {
		return fmt.Errorf("creating account: unknown provider %q", a.Provider)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	settings, err := json.Marshal(accountSettings{IMAP: a.IMAP, Gmail: a.Gmail})
	if err != nil {
		return fmt.Errorf("encoding settings of account %s: %w", a.ID, err)
	}
	if a.SyncState == "" {
		a.SyncState = model.AccountStopped
	}
	ts := now()
	a.CreatedAt, a.UpdatedAt = ts, ts

	_, err = s.exec(ctx, `
		INSERT INTO accounts (id, email, provider, settings, sync_should_run,
			desired_sync_host, sync_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Email, string(a.Provider), string(settings), boolInt(a.SyncShouldRun),
		a.DesiredSyncHost, string(a.SyncState), ts, ts,
	)
	if err != nil {
		return fmt.Errorf("creating account %s: %w", a.ID, err)
	}
	return nil
}

// GetAccount returns a single account by id.
func (s *SQLStore) GetAccount(ctx context.Context, id string) (model.Account, error) {
	var row accountRow
	err := s.get(ctx, &row, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Account{}, fmt.Errorf("getting account %s: %w", id, err)
	}
	return row.toModel()
}

// ListAccounts returns every account, including deleted ones.
func (s *SQLStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	var rows []accountRow
	if err := s.sel(ctx, &rows, "SELECT "+accountColumns+" FROM accounts ORDER BY created_at"); err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	accounts := make([]model.Account, 0, len(rows))
	for _, r := range rows {
		a, err := r.toModel()
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

func (s *SQLStore) updateAccount(ctx context.Context, id, set string, args ...any) error {
	args = append(args, now(), id)
	n, err := s.exec(ctx, "UPDATE accounts SET "+set+", updated_at = ? WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating account %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetSyncShouldRun enables or disables syncing for an account.
func (s *SQLStore) SetSyncShouldRun(ctx context.Context, id string, run bool) error {
	return s.updateAccount(ctx, id, "sync_should_run = ?", boolInt(run))
}

// SetDesiredHost records which host should sync the account. An empty
// host lets any host claim it.
func (s *SQLStore) SetDesiredHost(ctx context.Context, id, host string) error {
	return s.updateAccount(ctx, id, "desired_sync_host = ?", host)
}

// SetAccountState records the sync state and last error of an account.
// A nil lastErr keeps the previous error.
func (s *SQLStore) SetAccountState(ctx context.Context, id string, state model.AccountState, lastErr *model.SyncError) error {
	if lastErr == nil {
		return s.updateAccount(ctx, id, "sync_state = ?", string(state))
	}
	data, err := json.Marshal(lastErr)
	if err != nil {
		return fmt.Errorf("encoding last error of account %s: %w", id, err)
	}
	return s.updateAccount(ctx, id, "sync_state = ?, last_error = ?", string(state), string(data))
}

// DeleteAccount marks an account deleted. Its coordinator is stopped by
// the supervisor on its next pass.
func (s *SQLStore) DeleteAccount(ctx context.Context, id string) error {
	return s.updateAccount(ctx, id, "deleted_at = ?, sync_should_run = 0", now())
}

// ClaimAccount sets sync_host to host unless another host holds an
// unexpired lease.
func (s *SQLStore) ClaimAccount(ctx context.Context, id, host string, ttl time.Duration) (bool, error) {
	ts := now()
	n, err := s.exec(ctx, `
		UPDATE accounts
		SET sync_host = ?, claim_expires_unix = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
		  AND (sync_host = '' OR sync_host = ? OR claim_expires_unix < ?)`,
		host, ts.Add(ttl).Unix(), ts, id, host, ts.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("claiming account %s: %w", id, err)
	}
	return n == 1, nil
}

// RenewClaim extends host's lease on the account.
func (s *SQLStore) RenewClaim(ctx context.Context, id, host string, ttl time.Duration) (bool, error) {
	ts := now()
	n, err := s.exec(ctx, `
		UPDATE accounts SET claim_expires_unix = ?, updated_at = ?
		WHERE id = ? AND sync_host = ?`,
		ts.Add(ttl).Unix(), ts, id, host,
	)
	if err != nil {
		return false, fmt.Errorf("renewing claim on account %s: %w", id, err)
	}
	return n == 1, nil
}

// ReleaseClaim clears the account's sync_host if host holds it.
func (s *SQLStore) ReleaseClaim(ctx context.Context, id, host string) error {
	_, err := s.exec(ctx, `
		UPDATE accounts SET sync_host = '', claim_expires_unix = 0, updated_at = ?
		WHERE id = ? AND sync_host = ?`,
		now(), id, host,
	)
	if err != nil {
		return fmt.Errorf("releasing claim on account %s: %w", id, err)
	}
	return nil
}

// EnqueueIntent queues a migration message for its addressee.
func (s *SQLStore) EnqueueIntent(ctx context.Context, in model.MigrationIntent) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO migration_intents (id, account_id, kind, host, from_host, to_host, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.AccountID, string(in.Kind), in.Host, in.FromHost, in.ToHost, in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueueing %s intent for account %s: %w", in.Kind, in.AccountID, err)
	}
	return nil
}

// ConsumeIntents returns the pending intents addressed to host, oldest
// first, and marks them consumed.
func (s *SQLStore) ConsumeIntents(ctx context.Context, host string) ([]model.MigrationIntent, error) {
	var intents []model.MigrationIntent
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := txSelect(ctx, tx, &intents, `
			SELECT id, account_id, kind, host, from_host, to_host, created_at
			FROM migration_intents
			WHERE host = ? AND consumed_at IS NULL
			ORDER BY created_at`, host)
		if err != nil {
			return fmt.Errorf("reading intents for %s: %w", host, err)
		}
		ts := now()
		for _, in := range intents {
			if _, err := txExec(ctx, tx, "UPDATE migration_intents SET consumed_at = ? WHERE id = ?", ts, in.ID); err != nil {
				return fmt.Errorf("consuming intent %s: %w", in.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return intents, nil
}

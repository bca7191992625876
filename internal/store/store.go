package store

import (
	"context"
	"errors"
	"time"

	"github.com/nhle/mailsync/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// MessageStore persists messages, their folder refs and thread aggregates.
// Every mutating method commits in a single transaction together with the
// recomputation of the threads it touched, and is safe to repeat.
type MessageStore interface {
	// UpsertMessage creates the local message for meta.Key if needed and
	// associates ref with it. Returns the local message id.
	UpsertMessage(ctx context.Context, ref model.RemoteMessageRef, meta model.MessageMeta) (string, error)

	// UpdateFlags replaces the flags and labels recorded for a ref.
	// ErrNotFound is returned when the ref is unknown.
	UpdateFlags(ctx context.Context, ref model.RemoteMessageRef) error

	// RecordExpunge removes a ref. The message itself is kept.
	RecordExpunge(ctx context.Context, folderID string, uid uint32) error

	// InvalidateEpoch drops every ref of folderID whose epoch differs from
	// newEpoch and returns how many were dropped.
	InvalidateEpoch(ctx context.Context, folderID string, newEpoch uint64) (int, error)

	// KnownRefs returns the recorded refs of a folder keyed by uid.
	KnownRefs(ctx context.Context, folderID string) (map[uint32]model.RefState, error)

	GetMessage(ctx context.Context, id string) (model.LocalMessage, error)
	GetMessageByKey(ctx context.Context, accountID, key string) (model.LocalMessage, error)
	ListMessages(ctx context.Context, accountID string) ([]model.LocalMessage, error)
	// MessageFolders returns the folder ids a message is associated with.
	MessageFolders(ctx context.Context, messageID string) ([]string, error)
	GetThread(ctx context.Context, id string) (model.Thread, error)

	// RecordSyncError appends to the sync error log.
	RecordSyncError(ctx context.Context, accountID, folderID string, uid uint32, serr model.SyncError) error
	ListSyncErrors(ctx context.Context, accountID string) ([]model.SyncError, error)
}

// FolderStore persists folders, cursors and folder sync status.
type FolderStore interface {
	// GetFolderCursor returns the folder's cursor, or nil when the folder
	// has never completed a pass.
	GetFolderCursor(ctx context.Context, folderID string) (*model.FolderCursor, error)

	// CommitCursor persists c. Within one epoch and mark kind the stored
	// mark never decreases.
	CommitCursor(ctx context.Context, c model.FolderCursor) error

	// ReconcileFolderList brings the stored folders in line with the
	// remote listing.
	ReconcileFolderList(ctx context.Context, accountID string, observed []model.FolderInfo) (model.FolderDiff, error)

	ListFolders(ctx context.Context, accountID string) ([]model.Folder, error)
	GetFolder(ctx context.Context, id string) (model.Folder, error)

	SaveFolderStatus(ctx context.Context, p model.FolderProgress) error
	ListFolderStatus(ctx context.Context, accountID string) ([]model.FolderProgress, error)
}

// AccountStore persists accounts, host claims and migration intents.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	SetSyncShouldRun(ctx context.Context, id string, run bool) error
	SetDesiredHost(ctx context.Context, id, host string) error
	SetAccountState(ctx context.Context, id string, state model.AccountState, lastErr *model.SyncError) error
	DeleteAccount(ctx context.Context, id string) error

	// ClaimAccount sets sync_host to host when it is unset, already host,
	// or held under an expired lease. Reports whether host holds the claim.
	ClaimAccount(ctx context.Context, id, host string, ttl time.Duration) (bool, error)
	// RenewClaim extends host's lease. Reports false if host lost the claim.
	RenewClaim(ctx context.Context, id, host string, ttl time.Duration) (bool, error)
	// ReleaseClaim clears sync_host if host holds it.
	ReleaseClaim(ctx context.Context, id, host string) error

	EnqueueIntent(ctx context.Context, in model.MigrationIntent) error
	// ConsumeIntents returns and marks consumed the intents addressed to host.
	ConsumeIntents(ctx context.Context, host string) ([]model.MigrationIntent, error)
}

// Store is the full persistence surface used by the sync daemon.
type Store interface {
	MessageStore
	FolderStore
	AccountStore
	Close() error
}

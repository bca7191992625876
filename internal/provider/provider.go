// Package provider defines the protocol session capability every mail
// provider implements, along with the error taxonomy sync code acts on.
package provider

import (
	"context"
	"time"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
)

// Capabilities describes optional server features.
type Capabilities struct {
	CondStore bool
	Idle      bool
	UIDPlus   bool
	Gmail     bool
}

// SelectResult is what the server reports when a folder is selected.
type SelectResult struct {
	Name          string
	MessageCount  uint32
	ValidityEpoch uint64
	// HighWaterMark is HIGHESTMODSEQ for MarkModSeq, or UIDNEXT-1 for MarkUID.
	HighWaterMark uint64
	MarkKind      model.MarkKind
}

// FetchOptions narrows a metadata fetch.
type FetchOptions struct {
	// ChangedSince restricts results to messages whose modification
	// sequence is above the value. Zero disables the filter.
	ChangedSince uint64
}

// IdleResult says why IdleWait returned.
type IdleResult int

const (
	IdleNewData IdleResult = iota + 1
	IdleTimeout
	IdleCanceled
)

func (r IdleResult) String() string {
	switch r {
	case IdleNewData:
		return "new_data"
	case IdleTimeout:
		return "timeout"
	case IdleCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Session is a live, authenticated connection to one account. A Session
// is single-writer: callers must not issue concurrent operations on the
// same instance unless they serialize them.
type Session interface {
	// Capabilities reports what the server advertised at login.
	Capabilities() Capabilities

	// ListFolders returns every folder the server lists.
	ListFolders(ctx context.Context) ([]model.FolderInfo, error)

	// SelectFolder opens a folder. ErrFolderGone is returned when the
	// folder no longer exists.
	SelectFolder(ctx context.Context, name string, readOnly bool) (SelectResult, error)

	// SearchAll returns every UID in the selected folder.
	SearchAll(ctx context.Context) ([]uint32, error)

	// FetchMetadata returns refs for the requested uids, keyed by uid.
	// A nil uids slice means the whole folder. Uids absent from the
	// result have vanished, unless the error carries ItemErrors naming
	// them; the returned refs are valid alongside such an error.
	FetchMetadata(ctx context.Context, uids []uint32, opts FetchOptions) (map[uint32]model.RemoteMessageRef, error)

	// FetchBody returns the raw message. ErrMessageGone is returned when
	// the uid no longer exists.
	FetchBody(ctx context.Context, uid uint32) ([]byte, error)

	// IdleWait blocks until the selected folder changes, the timeout
	// elapses, or ctx is canceled. Cancellation ends IDLE cleanly and
	// leaves the connection usable.
	IdleWait(ctx context.Context, timeout time.Duration) (IdleResult, error)

	// AppendMessage stores raw in folder and returns the new uid.
	AppendMessage(ctx context.Context, folder string, raw []byte, flags []string) (uint32, error)

	// Close logs out and releases the connection.
	Close() error
}

// Dialer opens sessions for an account.
type Dialer interface {
	Dial(ctx context.Context, account model.Account, cred credential.Credential) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, account model.Account, cred credential.Credential) (Session, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, account model.Account, cred credential.Credential) (Session, error) {
	return f(ctx, account, cred)
}

// Registry picks a Dialer by provider kind.
type Registry map[model.ProviderKind]Dialer

// Dial dispatches to the dialer registered for the account's provider.
func (r Registry) Dial(ctx context.Context, account model.Account, cred credential.Credential) (Session, error) {
	d, ok := r[account.Provider]
	if !ok {
		return nil, Fatal("dial", &UnsupportedProviderError{Kind: account.Provider})
	}
	return d.Dial(ctx, account, cred)
}

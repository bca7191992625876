package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"slices"
	"strings"
	"syscall"

	"github.com/nhle/mailsync/internal/model"
)

var (
	// ErrFolderGone is returned when a folder disappeared remotely.
	ErrFolderGone = errors.New("folder no longer exists")
	// ErrMessageGone is returned when a uid vanished between listing and fetch.
	ErrMessageGone = errors.New("message no longer exists")
	// ErrIdleUnsupported is returned by IdleWait when the server lacks IDLE.
	ErrIdleUnsupported = errors.New("server does not support IDLE")
)

// Kind classifies sync errors by how they are handled.
type Kind int

const (
	// KindRetryable errors are transient. The folder pass is retried with backoff.
	KindRetryable Kind = iota + 1
	// KindFatal errors stop the account until credentials or config change.
	KindFatal
	// KindDataAnomaly errors mean the server state is inconsistent and the
	// folder needs a full resync.
	KindDataAnomaly
	// KindPartialItem errors affect a single message, which is skipped.
	KindPartialItem
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	case KindDataAnomaly:
		return "data_anomaly"
	case KindPartialItem:
		return "partial_item"
	default:
		return "unknown"
	}
}

// ErrorKind maps k onto the reported error kind.
func (k Kind) ErrorKind() model.ErrorKind {
	switch k {
	case KindFatal:
		return model.ErrorFatal
	case KindDataAnomaly:
		return model.ErrorDataAnomaly
	case KindPartialItem:
		return model.ErrorPartialItem
	default:
		return model.ErrorRetryable
	}
}

// Error is a classified sync error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a transient failure of op.
func Retryable(op string, err error) error {
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

// Fatal wraps err as a session-ending failure of op.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// Anomaly wraps err as a data anomaly observed during op.
func Anomaly(op string, err error) error {
	return &Error{Kind: KindDataAnomaly, Op: op, Err: err}
}

// PartialItem wraps err as a single-message failure during op.
func PartialItem(op string, err error) error {
	return &Error{Kind: KindPartialItem, Op: op, Err: err}
}

// ItemErrors holds per-message failures of a fetch whose other results are
// still usable, keyed by uid.
type ItemErrors map[uint32]error

func (e ItemErrors) Error() string {
	if len(e) == 0 {
		return "no unreadable messages"
	}
	uids := slices.Sorted(maps.Keys(e))
	return fmt.Sprintf("%d unreadable message(s), first uid %d: %v", len(e), uids[0], e[uids[0]])
}

// FailedItems returns the per-message failures carried by err.
func FailedItems(err error) (ItemErrors, bool) {
	var items ItemErrors
	if errors.As(err, &items) && len(items) > 0 {
		return items, true
	}
	return nil, false
}

// AuthError is returned when the server rejects the credential.
type AuthError struct {
	AccountID string
	Message   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for account %s: %s", e.AccountID, e.Message)
}

// IsAuthError reports whether err is or wraps an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// UnsupportedProviderError is returned for accounts whose provider kind has
// no registered dialer.
type UnsupportedProviderError struct {
	Kind model.ProviderKind
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("no dialer for provider %q", e.Kind)
}

// KindOf classifies err. Classified errors keep their kind; auth failures
// and missing folders are fatal for the session; everything else,
// including network failures, is retryable.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if IsAuthError(err) || errors.Is(err, ErrFolderGone) {
		return KindFatal
	}
	if errors.Is(err, ErrMessageGone) {
		return KindPartialItem
	}
	return KindRetryable
}

// IsFatal reports whether err should stop the account.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == KindFatal
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindRetryable
}

// IsNetworkError reports whether err came from the transport rather than
// the protocol. The session that produced it should be discarded.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// IsCanceled reports whether err stems from ctx being canceled. Errors
// produced by a connection closed because of cancellation are included.
func IsCanceled(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return ctx.Err() != nil && IsNetworkError(err)
}

var missingFolderPhrases = []string{
	"nonexistent",
	"unknown mailbox",
	"no such mailbox",
	"does not exist",
	"doesn't exist",
	"mailbox not found",
}

// MissingFolderText reports whether a server NO response text says the
// mailbox does not exist. Servers that omit the NONEXISTENT code still
// phrase it one of a few ways.
func MissingFolderText(text string) bool {
	text = strings.ToLower(text)
	for _, p := range missingFolderPhrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

package model

import (
	"context"
	"fmt"
	"time"
)

// System flags used by thread aggregation.
const (
	FlagSeen    = `\Seen`
	FlagFlagged = `\Flagged`
	FlagDeleted = `\Deleted`

	// LabelInbox is the Gmail label carried by messages in the inbox.
	LabelInbox = `\Inbox`
)

// RemoteMessageRef identifies one message inside one folder under one
// validity epoch.
type RemoteMessageRef struct {
	AccountID       string
	FolderID        string
	ValidityEpoch   uint64
	RemoteUID       uint32
	GlobalMessageID string
	GlobalThreadID  string
	Flags           []string
	Labels          []string
	ModSeq          uint64
	Size            int64
	InternalDate    time.Time
}

// RefState is the locally recorded state of a remote ref, used to diff
// against what the server reports.
type RefState struct {
	RemoteUID     uint32
	ValidityEpoch uint64
	MessageID     string
	Flags         []string
	Labels        []string
	// BodyMissing is set when the message this ref points at has no body.
	BodyMissing bool
}

// Differs reports whether the remote ref carries flags or labels that
// are not already recorded.
func (s RefState) Differs(ref RemoteMessageRef) bool {
	return !SetsEqual(s.Flags, ref.Flags) || !SetsEqual(s.Labels, ref.Labels)
}

// MessageMeta is the content-derived part of a local message.
type MessageMeta struct {
	Key             string
	ThreadKey       string
	Subject         string
	From            string
	HeaderMessageID string
	Date            time.Time
	BodyKey         string
	BodyMissing     bool
}

// LocalMessage is the deduplicated, locally persisted message.
type LocalMessage struct {
	ID              string    `db:"id"`
	AccountID       string    `db:"account_id"`
	Key             string    `db:"message_key"`
	GlobalMessageID string    `db:"global_message_id"`
	GlobalThreadID  string    `db:"global_thread_id"`
	ThreadID        string    `db:"thread_id"`
	Subject         string    `db:"subject"`
	From            string    `db:"from_addr"`
	HeaderMessageID string    `db:"header_message_id"`
	Date            time.Time `db:"sent_at"`
	BodyKey         string    `db:"body_key"`
	BodyMissing     bool      `db:"body_missing"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// KeyForGlobalID is the dedup key for messages carrying a provider id.
func KeyForGlobalID(id string) string {
	return "gm:" + id
}

// KeyForDigest is the dedup key for messages identified by content.
func KeyForDigest(hexDigest string) string {
	return "sha256:" + hexDigest
}

// KeyForUID is the fallback dedup key: folder plus uid under one epoch.
func KeyForUID(folderID string, epoch uint64, uid uint32) string {
	return fmt.Sprintf("uid:%s:%d:%d", folderID, epoch, uid)
}

// BodyFetcher lazily retrieves the raw RFC 5322 bytes of a new message.
type BodyFetcher interface {
	FetchBody(ctx context.Context) ([]byte, error)
}

// BodyFetcherFunc adapts a function to BodyFetcher.
type BodyFetcherFunc func(ctx context.Context) ([]byte, error)

// FetchBody calls f(ctx).
func (f BodyFetcherFunc) FetchBody(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

package model

import "fmt"

// ChangeKind tags the variant held by a Change.
type ChangeKind int

const (
	ChangeNewMessage ChangeKind = iota + 1
	ChangeFlags
	ChangeExpunged
	ChangeEpochInvalidated
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNewMessage:
		return "new_message"
	case ChangeFlags:
		return "flags_changed"
	case ChangeExpunged:
		return "expunged"
	case ChangeEpochInvalidated:
		return "epoch_invalidated"
	default:
		return fmt.Sprintf("change(%d)", int(k))
	}
}

// Change is one unit of remote mutation emitted by a folder pass.
// Exactly the fields for Kind are populated.
type Change struct {
	Kind ChangeKind

	// NewMessage and FlagsChanged.
	Ref RemoteMessageRef
	// NewMessage only. May be nil when bodies are not fetched.
	Body BodyFetcher

	// Expunged, FlagsChanged and EpochInvalidated.
	FolderID string
	UID      uint32

	// EpochInvalidated.
	OldEpoch uint64
	NewEpoch uint64
}

// NewMessage builds a NewMessage change.
func NewMessage(ref RemoteMessageRef, body BodyFetcher) Change {
	return Change{Kind: ChangeNewMessage, Ref: ref, Body: body, FolderID: ref.FolderID, UID: ref.RemoteUID}
}

// FlagsChanged builds a FlagsChanged change from the remote ref's
// current flags and labels.
func FlagsChanged(ref RemoteMessageRef) Change {
	return Change{Kind: ChangeFlags, Ref: ref, FolderID: ref.FolderID, UID: ref.RemoteUID}
}

// Expunged builds an Expunged change.
func Expunged(folderID string, uid uint32) Change {
	return Change{Kind: ChangeExpunged, FolderID: folderID, UID: uid}
}

// EpochInvalidated builds an EpochInvalidated change.
func EpochInvalidated(folderID string, oldEpoch, newEpoch uint64) Change {
	return Change{Kind: ChangeEpochInvalidated, FolderID: folderID, OldEpoch: oldEpoch, NewEpoch: newEpoch}
}

package model

import "time"

// MarkKind names the server token a cursor's high-water mark came from.
type MarkKind string

const (
	// MarkModSeq marks come from HIGHESTMODSEQ (CONDSTORE servers).
	MarkModSeq MarkKind = "modseq"
	// MarkUID marks are the highest UID seen, for servers without CONDSTORE.
	MarkUID MarkKind = "uid"
)

// FolderCursor is the durable resumption point for one folder.
// A cursor is never mutated in place; Advance returns its replacement.
type FolderCursor struct {
	AccountID     string
	FolderID      string
	ValidityEpoch uint64
	HighWaterMark uint64
	MarkKind      MarkKind
	UpdatedAt     time.Time
}

// IsValidityCompatible reports whether refs recorded under this cursor
// are still meaningful for an observed epoch. Only exact equality counts.
func (c FolderCursor) IsValidityCompatible(observed uint64) bool {
	return c.ValidityEpoch == observed
}

// EpochRegressed reports whether the server reported an epoch lower than
// the stored one. Treated as a data anomaly rather than a normal reset.
func (c FolderCursor) EpochRegressed(observed uint64) bool {
	return observed < c.ValidityEpoch
}

// Advance returns a cursor whose mark is mark, or c unchanged when mark
// does not move forward.
func (c FolderCursor) Advance(mark uint64) FolderCursor {
	if mark <= c.HighWaterMark {
		return c
	}
	next := c
	next.HighWaterMark = mark
	next.UpdatedAt = time.Now()
	return next
}

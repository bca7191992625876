package model

import "time"

// Thread is the derived, per-conversation aggregate.
type Thread struct {
	ID            string
	AccountID     string
	Key           string
	Unread        bool
	Starred       bool
	Archived      bool
	Labels        []string
	MessageCount  int
	LastMessageAt time.Time
}

// ThreadMember is one message of a thread together with the refs that
// are still associated with it.
type ThreadMember struct {
	MessageID string
	Date      time.Time
	Refs      []MemberRef
}

// MemberRef is the part of a remote ref that thread aggregation reads.
type MemberRef struct {
	FolderRole FolderRole
	Flags      []string
	Labels     []string
}

// ThreadState is the aggregate computed from a thread's members.
type ThreadState struct {
	Unread        bool
	Starred       bool
	Archived      bool
	Labels        []string
	MessageCount  int
	LastMessageAt time.Time
}

// AggregateThread recomputes a thread's state from scratch. Members with
// no remaining refs have been soft-removed and do not contribute.
//
// A message counts as read when any of its refs carries \Seen; the thread
// is unread unless every contributing message is read. The thread is
// archived when no contributing message sits in the inbox, either through
// an inbox-role folder or the Gmail inbox label.
func AggregateThread(members []ThreadMember) ThreadState {
	var st ThreadState
	var labels []string
	inInbox := false

	for _, m := range members {
		if len(m.Refs) == 0 {
			continue
		}
		st.MessageCount++
		if m.Date.After(st.LastMessageAt) {
			st.LastMessageAt = m.Date
		}

		seen := false
		for _, r := range m.Refs {
			if hasMember(r.Flags, FlagSeen) {
				seen = true
			}
			if hasMember(r.Flags, FlagFlagged) {
				st.Starred = true
			}
			if r.FolderRole == RoleInbox || hasMember(r.Labels, LabelInbox) {
				inInbox = true
			}
			labels = append(labels, r.Labels...)
		}
		if !seen {
			st.Unread = true
		}
	}

	st.Archived = st.MessageCount > 0 && !inInbox
	st.Labels = NormalizeSet(labels)
	return st
}

func hasMember(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

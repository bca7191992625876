package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

type threadRow struct {
	ID            string     `db:"id"`
	AccountID     string     `db:"account_id"`
	Key           string     `db:"thread_key"`
	Unread        bool       `db:"unread"`
	Starred       bool       `db:"starred"`
	Archived      bool       `db:"archived"`
	Labels        string     `db:"labels"`
	MessageCount  int        `db:"message_count"`
	LastMessageAt *time.Time `db:"last_message_at"`
}

// GetThread returns a thread aggregate by id.
func (s *SQLStore) GetThread(ctx context.Context, id string) (model.Thread, error) {
	var row threadRow
	err := s.get(ctx, &row, `
		SELECT id, account_id, thread_key, unread, starred, archived, labels,
			message_count, last_message_at
		FROM threads WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Thread{}, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Thread{}, fmt.Errorf("getting thread %s: %w", id, err)
	}
	t := model.Thread{
		ID:           row.ID,
		AccountID:    row.AccountID,
		Key:          row.Key,
		Unread:       row.Unread,
		Starred:      row.Starred,
		Archived:     row.Archived,
		Labels:       decodeSet(row.Labels),
		MessageCount: row.MessageCount,
	}
	if row.LastMessageAt != nil {
		t.LastMessageAt = *row.LastMessageAt
	}
	return t, nil
}

// threadsOfRef returns the thread of the message a ref points at, if any.
func threadsOfRef(ctx context.Context, tx *sqlx.Tx, folderID string, uid uint32) ([]string, error) {
	var ids []string
	err := txSelect(ctx, tx, &ids, `
		SELECT m.thread_id FROM message_refs r
		JOIN messages m ON m.id = r.message_id
		WHERE r.folder_id = ? AND r.remote_uid = ?`, folderID, int64(uid))
	if err != nil {
		return nil, fmt.Errorf("reading thread of %s/%d: %w", folderID, uid, err)
	}
	return ids, nil
}

// threadsOfFolderRefs returns the threads touched by a folder's refs,
// optionally narrowed by an extra condition on message_refs.
func threadsOfFolderRefs(ctx context.Context, tx *sqlx.Tx, folderID, cond string, args ...any) ([]string, error) {
	query := `
		SELECT DISTINCT m.thread_id FROM message_refs r
		JOIN messages m ON m.id = r.message_id
		WHERE r.folder_id = ?`
	if cond != "" {
		query += " AND r." + cond
	}
	var ids []string
	if err := txSelect(ctx, tx, &ids, query, append([]any{folderID}, args...)...); err != nil {
		return nil, fmt.Errorf("reading threads of folder %s: %w", folderID, err)
	}
	return ids, nil
}

// recomputeThreads rebuilds each thread's aggregate from its members.
func recomputeThreads(ctx context.Context, tx *sqlx.Tx, threadIDs []string) error {
	seen := make(map[string]bool, len(threadIDs))
	for _, id := range threadIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if err := recomputeThread(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

func recomputeThread(ctx context.Context, tx *sqlx.Tx, threadID string) error {
	var msgs []struct {
		ID   string    `db:"id"`
		Date time.Time `db:"sent_at"`
	}
	if err := txSelect(ctx, tx, &msgs, "SELECT id, sent_at FROM messages WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("reading messages of thread %s: %w", threadID, err)
	}

	var refs []struct {
		MessageID string `db:"message_id"`
		Role      string `db:"role"`
		Flags     string `db:"flags"`
		Labels    string `db:"labels"`
	}
	err := txSelect(ctx, tx, &refs, `
		SELECT r.message_id, f.role, r.flags, r.labels
		FROM message_refs r
		JOIN messages m ON m.id = r.message_id
		JOIN folders f ON f.id = r.folder_id
		WHERE m.thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("reading refs of thread %s: %w", threadID, err)
	}

	byMessage := make(map[string][]model.MemberRef, len(msgs))
	for _, r := range refs {
		byMessage[r.MessageID] = append(byMessage[r.MessageID], model.MemberRef{
			FolderRole: model.FolderRole(r.Role),
			Flags:      decodeSet(r.Flags),
			Labels:     decodeSet(r.Labels),
		})
	}

	members := make([]model.ThreadMember, 0, len(msgs))
	for _, m := range msgs {
		members = append(members, model.ThreadMember{MessageID: m.ID, Date: m.Date, Refs: byMessage[m.ID]})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].MessageID < members[j].MessageID })

	st := model.AggregateThread(members)
	var last *time.Time
	if !st.LastMessageAt.IsZero() {
		t := st.LastMessageAt.UTC()
		last = &t
	}
	_, err = txExec(ctx, tx, `
		UPDATE threads SET unread = ?, starred = ?, archived = ?, labels = ?,
			message_count = ?, last_message_at = ?, updated_at = ?
		WHERE id = ?`,
		boolInt(st.Unread), boolInt(st.Starred), boolInt(st.Archived), encodeSet(st.Labels),
		st.MessageCount, last, now(), threadID)
	if err != nil {
		return fmt.Errorf("updating thread %s: %w", threadID, err)
	}
	return nil
}

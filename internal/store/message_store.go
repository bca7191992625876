package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
)

var log = logging.WithPkg("store")

type refRow struct {
	FolderID      string `db:"folder_id"`
	RemoteUID     uint32 `db:"remote_uid"`
	ValidityEpoch uint64 `db:"validity_epoch"`
	MessageID     string `db:"message_id"`
	Flags         string `db:"flags"`
	Labels        string `db:"labels"`
	BodyMissing   bool   `db:"body_missing"`
}

const messageColumns = `id, account_id, message_key, global_message_id, global_thread_id,
	thread_id, subject, from_addr, header_message_id, sent_at, body_key, body_missing,
	created_at, updated_at`

// UpsertMessage creates or reuses the local message identified by
// meta.Key and points the (folder, uid) ref at it with the ref's flags.
func (s *SQLStore) UpsertMessage(ctx context.Context, ref model.RemoteMessageRef, meta model.MessageMeta) (string, error) {
	if meta.Key == "" {
		return "", fmt.Errorf("upserting message %s/%d: empty key", ref.FolderID, ref.RemoteUID)
	}

	var messageID string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var prev refRow
		err := txGet(ctx, tx, &prev, `
			SELECT folder_id, remote_uid, validity_epoch, message_id, flags, labels
			FROM message_refs WHERE folder_id = ? AND remote_uid = ?`,
			ref.FolderID, int64(ref.RemoteUID))
		hadPrev := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reading ref %s/%d: %w", ref.FolderID, ref.RemoteUID, err)
		}

		placeholder := model.KeyForUID(ref.FolderID, ref.ValidityEpoch, ref.RemoteUID)
		if hadPrev && !meta.BodyMissing && meta.Key != placeholder {
			if err := adoptPlaceholder(ctx, tx, ref.AccountID, prev.MessageID, placeholder, meta.Key); err != nil {
				return err
			}
		}

		id, touched, err := ensureMessage(ctx, tx, ref, meta)
		if err != nil {
			return err
		}
		messageID = id

		replaced := hadPrev && prev.MessageID != id
		if replaced {
			old, err := threadOfMessage(ctx, tx, prev.MessageID)
			if err != nil {
				return err
			}
			touched = append(touched, old)
		}

		_, err = txExec(ctx, tx, `
			INSERT INTO message_refs (folder_id, remote_uid, account_id, validity_epoch,
				message_id, flags, labels, modseq, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (folder_id, remote_uid) DO UPDATE SET
				validity_epoch = excluded.validity_epoch,
				message_id = excluded.message_id,
				flags = excluded.flags,
				labels = excluded.labels,
				modseq = excluded.modseq,
				updated_at = excluded.updated_at`,
			ref.FolderID, int64(ref.RemoteUID), ref.AccountID, int64(ref.ValidityEpoch), id,
			encodeSet(model.NormalizeSet(ref.Flags)), encodeSet(model.NormalizeSet(ref.Labels)),
			int64(ref.ModSeq), now(),
		)
		if err != nil {
			return fmt.Errorf("upserting ref %s/%d: %w", ref.FolderID, ref.RemoteUID, err)
		}

		if replaced {
			dropped, err := dropPlaceholder(ctx, tx, prev.MessageID, placeholder)
			if err != nil {
				return err
			}
			if !dropped && prev.ValidityEpoch == ref.ValidityEpoch {
				log.WithFields(logrus.Fields{
					"folder": ref.FolderID,
					"uid":    ref.RemoteUID,
				}).Warn("uid reused for a different message within one epoch")
			}
		}

		return recomputeThreads(ctx, tx, touched)
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// ensureMessage returns the id of the message with meta.Key, inserting it
// (and its thread) when missing, together with the threads it touched. A
// stored message that lacked its body takes the body and header fields
// from meta.
func ensureMessage(ctx context.Context, tx *sqlx.Tx, ref model.RemoteMessageRef, meta model.MessageMeta) (string, []string, error) {
	var existing struct {
		ID          string `db:"id"`
		ThreadID    string `db:"thread_id"`
		BodyMissing bool   `db:"body_missing"`
	}
	err := txGet(ctx, tx, &existing,
		"SELECT id, thread_id, body_missing FROM messages WHERE account_id = ? AND message_key = ?",
		ref.AccountID, meta.Key)
	if err == nil {
		touched := []string{existing.ThreadID}
		if !existing.BodyMissing || meta.BodyMissing {
			return existing.ID, touched, nil
		}
		threadID := existing.ThreadID
		if meta.ThreadKey != "" {
			if threadID, err = ensureThread(ctx, tx, ref.AccountID, meta.ThreadKey); err != nil {
				return "", nil, err
			}
		}
		_, err := txExec(ctx, tx, `
			UPDATE messages SET body_key = ?, body_missing = 0, thread_id = ?, subject = ?,
				from_addr = ?, header_message_id = ?, sent_at = ?, updated_at = ?
			WHERE id = ?`,
			meta.BodyKey, threadID, meta.Subject, meta.From, meta.HeaderMessageID,
			messageDate(ref, meta), now(), existing.ID)
		if err != nil {
			return "", nil, fmt.Errorf("attaching body to message %s: %w", existing.ID, err)
		}
		return existing.ID, append(touched, threadID), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", nil, fmt.Errorf("looking up message %s: %w", meta.Key, err)
	}

	threadKey := meta.ThreadKey
	if threadKey == "" {
		threadKey = meta.Key
	}
	threadID, err := ensureThread(ctx, tx, ref.AccountID, threadKey)
	if err != nil {
		return "", nil, err
	}

	id := uuid.NewString()
	ts := now()
	_, err = txExec(ctx, tx, `
		INSERT INTO messages (id, account_id, message_key, global_message_id, global_thread_id,
			thread_id, subject, from_addr, header_message_id, sent_at, body_key, body_missing,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ref.AccountID, meta.Key, ref.GlobalMessageID, ref.GlobalThreadID,
		threadID, meta.Subject, meta.From, meta.HeaderMessageID, messageDate(ref, meta), meta.BodyKey,
		boolInt(meta.BodyMissing), ts, ts,
	)
	if err != nil {
		return "", nil, fmt.Errorf("inserting message %s: %w", meta.Key, err)
	}
	return id, []string{threadID}, nil
}

func messageDate(ref model.RemoteMessageRef, meta model.MessageMeta) time.Time {
	date := meta.Date
	if date.IsZero() {
		date = ref.InternalDate
	}
	if date.IsZero() {
		date = now()
	}
	return date.UTC()
}

// adoptPlaceholder moves the body-less message stored under a ref's uid
// key to the content key its body now yields. Nothing changes when a
// message with that key already exists; the ref is then re-pointed and the
// placeholder dropped.
func adoptPlaceholder(ctx context.Context, tx *sqlx.Tx, accountID, messageID, placeholder, key string) error {
	_, err := txExec(ctx, tx, `
		UPDATE messages SET message_key = ?, updated_at = ?
		WHERE id = ? AND message_key = ?
			AND NOT EXISTS (SELECT 1 FROM messages WHERE account_id = ? AND message_key = ?)`,
		key, now(), messageID, placeholder, accountID, key)
	if err != nil {
		return fmt.Errorf("rekeying message %s: %w", messageID, err)
	}
	return nil
}

// dropPlaceholder deletes a uid-keyed message no ref points at anymore.
func dropPlaceholder(ctx context.Context, tx *sqlx.Tx, messageID, placeholder string) (bool, error) {
	n, err := txExec(ctx, tx, `
		DELETE FROM messages
		WHERE id = ? AND message_key = ?
			AND NOT EXISTS (SELECT 1 FROM message_refs WHERE message_id = ?)`,
		messageID, placeholder, messageID)
	if err != nil {
		return false, fmt.Errorf("dropping placeholder message %s: %w", messageID, err)
	}
	return n > 0, nil
}

func ensureThread(ctx context.Context, tx *sqlx.Tx, accountID, key string) (string, error) {
	_, err := txExec(ctx, tx, `
		INSERT INTO threads (id, account_id, thread_key, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, thread_key) DO NOTHING`,
		uuid.NewString(), accountID, key, now())
	if err != nil {
		return "", fmt.Errorf("inserting thread %s: %w", key, err)
	}
	var id string
	if err := txGet(ctx, tx, &id, "SELECT id FROM threads WHERE account_id = ? AND thread_key = ?", accountID, key); err != nil {
		return "", fmt.Errorf("reading thread %s: %w", key, err)
	}
	return id, nil
}

func threadOfMessage(ctx context.Context, tx *sqlx.Tx, messageID string) (string, error) {
	var id string
	if err := txGet(ctx, tx, &id, "SELECT thread_id FROM messages WHERE id = ?", messageID); err != nil {
		return "", fmt.Errorf("reading thread of message %s: %w", messageID, err)
	}
	return id, nil
}

// UpdateFlags replaces a ref's flags and labels.
func (s *SQLStore) UpdateFlags(ctx context.Context, ref model.RemoteMessageRef) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		n, err := txExec(ctx, tx, `
			UPDATE message_refs SET flags = ?, labels = ?, modseq = ?, updated_at = ?
			WHERE folder_id = ? AND remote_uid = ?`,
			encodeSet(model.NormalizeSet(ref.Flags)), encodeSet(model.NormalizeSet(ref.Labels)),
			int64(ref.ModSeq), now(), ref.FolderID, int64(ref.RemoteUID))
		if err != nil {
			return fmt.Errorf("updating flags of %s/%d: %w", ref.FolderID, ref.RemoteUID, err)
		}
		if n == 0 {
			return fmt.Errorf("ref %s/%d: %w", ref.FolderID, ref.RemoteUID, ErrNotFound)
		}
		threads, err := threadsOfRef(ctx, tx, ref.FolderID, ref.RemoteUID)
		if err != nil {
			return err
		}
		return recomputeThreads(ctx, tx, threads)
	})
}

// RecordExpunge removes the (folder, uid) ref. Missing refs are ignored.
func (s *SQLStore) RecordExpunge(ctx context.Context, folderID string, uid uint32) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		threads, err := threadsOfRef(ctx, tx, folderID, uid)
		if err != nil {
			return err
		}
		if len(threads) == 0 {
			return nil
		}
		_, err = txExec(ctx, tx, "DELETE FROM message_refs WHERE folder_id = ? AND remote_uid = ?", folderID, int64(uid))
		if err != nil {
			return fmt.Errorf("expunging %s/%d: %w", folderID, uid, err)
		}
		return recomputeThreads(ctx, tx, threads)
	})
}

// InvalidateEpoch drops all refs of folderID not recorded under newEpoch.
func (s *SQLStore) InvalidateEpoch(ctx context.Context, folderID string, newEpoch uint64) (int, error) {
	var dropped int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		threads, err := threadsOfFolderRefs(ctx, tx, folderID, "validity_epoch <> ?", int64(newEpoch))
		if err != nil {
			return err
		}
		dropped, err = txExec(ctx, tx, "DELETE FROM message_refs WHERE folder_id = ? AND validity_epoch <> ?",
			folderID, int64(newEpoch))
		if err != nil {
			return fmt.Errorf("dropping stale refs of folder %s: %w", folderID, err)
		}
		return recomputeThreads(ctx, tx, threads)
	})
	if err != nil {
		return 0, err
	}
	return int(dropped), nil
}

// KnownRefs returns every recorded ref of a folder.
func (s *SQLStore) KnownRefs(ctx context.Context, folderID string) (map[uint32]model.RefState, error) {
	var rows []refRow
	err := s.sel(ctx, &rows, `
		SELECT r.folder_id, r.remote_uid, r.validity_epoch, r.message_id, r.flags, r.labels, m.body_missing
		FROM message_refs r JOIN messages m ON m.id = r.message_id
		WHERE r.folder_id = ?`, folderID)
	if err != nil {
		return nil, fmt.Errorf("listing refs of folder %s: %w", folderID, err)
	}
	refs := make(map[uint32]model.RefState, len(rows))
	for _, r := range rows {
		refs[r.RemoteUID] = model.RefState{
			RemoteUID:     r.RemoteUID,
			ValidityEpoch: r.ValidityEpoch,
			MessageID:     r.MessageID,
			Flags:         decodeSet(r.Flags),
			Labels:        decodeSet(r.Labels),
			BodyMissing:   r.BodyMissing,
		}
	}
	return refs, nil
}

// GetMessage returns a local message by id.
func (s *SQLStore) GetMessage(ctx context.Context, id string) (model.LocalMessage, error) {
	var m model.LocalMessage
	err := s.get(ctx, &m, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return m, fmt.Errorf("getting message %s: %w", id, err)
	}
	return m, nil
}

// GetMessageByKey returns a local message by its dedup key.
func (s *SQLStore) GetMessageByKey(ctx context.Context, accountID, key string) (model.LocalMessage, error) {
	var m model.LocalMessage
	err := s.get(ctx, &m, "SELECT "+messageColumns+" FROM messages WHERE account_id = ? AND message_key = ?", accountID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return m, fmt.Errorf("message %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return m, fmt.Errorf("getting message %s: %w", key, err)
	}
	return m, nil
}

// ListMessages returns all local messages of an account.
func (s *SQLStore) ListMessages(ctx context.Context, accountID string) ([]model.LocalMessage, error) {
	var msgs []model.LocalMessage
	err := s.sel(ctx, &msgs, "SELECT "+messageColumns+" FROM messages WHERE account_id = ? ORDER BY sent_at, id", accountID)
	if err != nil {
		return nil, fmt.Errorf("listing messages of %s: %w", accountID, err)
	}
	return msgs, nil
}

// MessageFolders returns the ids of the folders still referencing a message.
func (s *SQLStore) MessageFolders(ctx context.Context, messageID string) ([]string, error) {
	var ids []string
	err := s.sel(ctx, &ids, "SELECT DISTINCT folder_id FROM message_refs WHERE message_id = ? ORDER BY folder_id", messageID)
	if err != nil {
		return nil, fmt.Errorf("listing folders of message %s: %w", messageID, err)
	}
	return ids, nil
}

// RecordSyncError appends an entry to the sync error log.
func (s *SQLStore) RecordSyncError(ctx context.Context, accountID, folderID string, uid uint32, serr model.SyncError) error {
	ts := serr.Timestamp
	if ts.IsZero() {
		ts = now()
	}
	_, err := s.exec(ctx, `
		INSERT INTO sync_errors (id, account_id, folder_id, remote_uid, kind, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), accountID, folderID, int64(uid), string(serr.Kind), serr.Message, ts.UTC())
	if err != nil {
		return fmt.Errorf("recording sync error for %s: %w", accountID, err)
	}
	return nil
}

// ListSyncErrors returns an account's sync error log, oldest first.
func (s *SQLStore) ListSyncErrors(ctx context.Context, accountID string) ([]model.SyncError, error) {
	var rows []struct {
		Kind      string    `db:"kind"`
		Message   string    `db:"message"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.sel(ctx, &rows, "SELECT kind, message, created_at FROM sync_errors WHERE account_id = ? ORDER BY created_at", accountID)
	if err != nil {
		return nil, fmt.Errorf("listing sync errors of %s: %w", accountID, err)
	}
	out := make([]model.SyncError, len(rows))
	for i, r := range rows {
		out[i] = model.SyncError{Kind: model.ErrorKind(r.Kind), Message: r.Message, Timestamp: r.CreatedAt}
	}
	return out, nil
}

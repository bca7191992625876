package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

type folderRow struct {
	ID         string    `db:"id"`
	AccountID  string    `db:"account_id"`
	Name       string    `db:"name"`
	Role       string    `db:"role"`
	Attributes string    `db:"attributes"`
	Removed    bool      `db:"removed"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r folderRow) toModel() model.Folder {
	return model.Folder{
		ID:         r.ID,
		AccountID:  r.AccountID,
		Name:       r.Name,
		Role:       model.FolderRole(r.Role),
		Attributes: decodeSet(r.Attributes),
		Removed:    r.Removed,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

const folderColumns = "id, account_id, name, role, attributes, removed, created_at, updated_at"

// ListFolders returns the account's folders, removed ones included.
func (s *SQLStore) ListFolders(ctx context.Context, accountID string) ([]model.Folder, error) {
	var rows []folderRow
	err := s.sel(ctx, &rows, "SELECT "+folderColumns+" FROM folders WHERE account_id = ? ORDER BY name", accountID)
	if err != nil {
		return nil, fmt.Errorf("listing folders of %s: %w", accountID, err)
	}
	folders := make([]model.Folder, len(rows))
	for i, r := range rows {
		folders[i] = r.toModel()
	}
	return folders, nil
}

// GetFolder returns a single folder by id.
func (s *SQLStore) GetFolder(ctx context.Context, id string) (model.Folder, error) {
	var row folderRow
	err := s.get(ctx, &row, "SELECT "+folderColumns+" FROM folders WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Folder{}, fmt.Errorf("folder %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Folder{}, fmt.Errorf("getting folder %s: %w", id, err)
	}
	return row.toModel(), nil
}

// ReconcileFolderList diffs observed against the stored folders. New
// names are added, missing ones are marked removed along with their refs
// and cursor, and a removed/added pair sharing a canonical role is
// treated as a rename so the folder keeps its id.
func (s *SQLStore) ReconcileFolderList(ctx context.Context, accountID string, observed []model.FolderInfo) (model.FolderDiff, error) {
	var diff model.FolderDiff
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var rows []folderRow
		if err := txSelect(ctx, tx, &rows, "SELECT "+folderColumns+" FROM folders WHERE account_id = ?", accountID); err != nil {
			return fmt.Errorf("reading folders of %s: %w", accountID, err)
		}

		stored := make(map[string]folderRow, len(rows))
		for _, r := range rows {
			stored[r.Name] = r
		}

		seen := make(map[string]bool, len(observed))
		var added []model.FolderInfo
		ts := now()
		for _, info := range observed {
			seen[info.Name] = true
			row, ok := stored[info.Name]
			if !ok {
				added = append(added, info)
				continue
			}
			_, err := txExec(ctx, tx, `
				UPDATE folders SET role = ?, attributes = ?, removed = 0, updated_at = ?
				WHERE id = ?`,
				string(info.Role), encodeSet(info.Attributes), ts, row.ID)
			if err != nil {
				return fmt.Errorf("updating folder %s: %w", row.Name, err)
			}
			if row.Removed {
				row.Removed = false
				row.Role = string(info.Role)
				diff.Added = append(diff.Added, row.toModel())
			}
		}

		var removed []folderRow
		for _, r := range rows {
			if !r.Removed && !seen[r.Name] {
				removed = append(removed, r)
			}
		}

		for _, info := range added {
			if i := matchRename(removed, info); i >= 0 {
				row := removed[i]
				removed = append(removed[:i], removed[i+1:]...)
				_, err := txExec(ctx, tx, "UPDATE folders SET name = ?, attributes = ?, updated_at = ? WHERE id = ?",
					info.Name, encodeSet(info.Attributes), ts, row.ID)
				if err != nil {
					return fmt.Errorf("renaming folder %s: %w", row.Name, err)
				}
				diff.Renamed = append(diff.Renamed, model.FolderRename{Folder: row.toModel(), NewName: info.Name})
				continue
			}

			f := model.Folder{
				ID:         uuid.NewString(),
				AccountID:  accountID,
				Name:       info.Name,
				Role:       info.Role,
				Attributes: info.Attributes,
				CreatedAt:  ts,
				UpdatedAt:  ts,
			}
			_, err := txExec(ctx, tx, `
				INSERT INTO folders (id, account_id, name, role, attributes, removed, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
				f.ID, f.AccountID, f.Name, string(f.Role), encodeSet(f.Attributes), ts, ts)
			if err != nil {
				return fmt.Errorf("adding folder %s: %w", f.Name, err)
			}
			diff.Added = append(diff.Added, f)
		}

		for _, row := range removed {
			if err := removeFolder(ctx, tx, row.ID); err != nil {
				return err
			}
			row.Removed = true
			diff.Removed = append(diff.Removed, row.toModel())
		}
		return nil
	})
	if err != nil {
		return model.FolderDiff{}, err
	}
	return diff, nil
}

func matchRename(removed []folderRow, info model.FolderInfo) int {
	if info.Role == model.RoleNone {
		return -1
	}
	for i, r := range removed {
		if r.Role == string(info.Role) {
			return i
		}
	}
	return -1
}

// removeFolder marks a folder removed and drops its refs and cursor.
func removeFolder(ctx context.Context, tx *sqlx.Tx, folderID string) error {
	threads, err := threadsOfFolderRefs(ctx, tx, folderID, "")
	if err != nil {
		return err
	}
	for _, q := range []string{
		"DELETE FROM message_refs WHERE folder_id = ?",
		"DELETE FROM folder_cursors WHERE folder_id = ?",
		"DELETE FROM folder_sync_status WHERE folder_id = ?",
	} {
		if _, err := txExec(ctx, tx, q, folderID); err != nil {
			return fmt.Errorf("removing folder %s: %w", folderID, err)
		}
	}
	if _, err := txExec(ctx, tx, "UPDATE folders SET removed = 1, updated_at = ? WHERE id = ?", now(), folderID); err != nil {
		return fmt.Errorf("removing folder %s: %w", folderID, err)
	}
	return recomputeThreads(ctx, tx, threads)
}

type cursorRow struct {
	FolderID      string    `db:"folder_id"`
	AccountID     string    `db:"account_id"`
	ValidityEpoch uint64    `db:"validity_epoch"`
	HighWaterMark uint64    `db:"high_water_mark"`
	MarkKind      string    `db:"mark_kind"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// GetFolderCursor returns the folder's cursor, or nil if none exists.
func (s *SQLStore) GetFolderCursor(ctx context.Context, folderID string) (*model.FolderCursor, error) {
	var row cursorRow
	err := s.get(ctx, &row, `
		SELECT folder_id, account_id, validity_epoch, high_water_mark, mark_kind, updated_at
		FROM folder_cursors WHERE folder_id = ?`, folderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cursor of folder %s: %w", folderID, err)
	}
	return &model.FolderCursor{
		AccountID:     row.AccountID,
		FolderID:      row.FolderID,
		ValidityEpoch: row.ValidityEpoch,
		HighWaterMark: row.HighWaterMark,
		MarkKind:      model.MarkKind(row.MarkKind),
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

// CommitCursor persists c. A commit with the same epoch and mark kind but
// a lower mark leaves the stored mark in place.
func (s *SQLStore) CommitCursor(ctx context.Context, c model.FolderCursor) error {
	_, err := s.exec(ctx, `
		INSERT INTO folder_cursors (folder_id, account_id, validity_epoch, high_water_mark, mark_kind, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (folder_id) DO UPDATE SET
			high_water_mark = CASE
				WHEN folder_cursors.validity_epoch = excluded.validity_epoch
				 AND folder_cursors.mark_kind = excluded.mark_kind
				 AND folder_cursors.high_water_mark > excluded.high_water_mark
				THEN folder_cursors.high_water_mark
				ELSE excluded.high_water_mark
			END,
			validity_epoch = excluded.validity_epoch,
			mark_kind = excluded.mark_kind,
			updated_at = excluded.updated_at`,
		c.FolderID, c.AccountID, int64(c.ValidityEpoch), int64(c.HighWaterMark), string(c.MarkKind), now(),
	)
	if err != nil {
		return fmt.Errorf("committing cursor of folder %s: %w", c.FolderID, err)
	}
	return nil
}

type folderStatusRow struct {
	model.FolderProgress
	LastError string `db:"last_error"`
}

// SaveFolderStatus upserts the persisted sync status of a folder.
func (s *SQLStore) SaveFolderStatus(ctx context.Context, p model.FolderProgress) error {
	lastErr := ""
	if p.LastError != nil {
		lastErr = p.LastError.Message
	}
	_, err := s.exec(ctx, `
		INSERT INTO folder_sync_status (folder_id, account_id, name, state, last_pass_kind,
			last_pass_start, last_pass_end, remote_count, applied, validity_epoch,
			high_water_mark, heartbeat_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (folder_id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			last_pass_kind = excluded.last_pass_kind,
			last_pass_start = excluded.last_pass_start,
			last_pass_end = excluded.last_pass_end,
			remote_count = excluded.remote_count,
			applied = excluded.applied,
			validity_epoch = excluded.validity_epoch,
			high_water_mark = excluded.high_water_mark,
			heartbeat_at = excluded.heartbeat_at,
			last_error = excluded.last_error`,
		p.FolderID, p.AccountID, p.Name, string(p.State), string(p.LastPassKind),
		p.LastPassStart.UTC(), p.LastPassEnd.UTC(), p.RemoteCount, p.Applied,
		int64(p.ValidityEpoch), int64(p.HighWaterMark), p.Heartbeat.UTC(), lastErr,
	)
	if err != nil {
		return fmt.Errorf("saving status of folder %s: %w", p.FolderID, err)
	}
	return nil
}

// ListFolderStatus returns the persisted sync status of every folder.
func (s *SQLStore) ListFolderStatus(ctx context.Context, accountID string) ([]model.FolderProgress, error) {
	var rows []folderStatusRow
	err := s.sel(ctx, &rows, `
		SELECT folder_id, account_id, name, state, last_pass_kind, last_pass_start,
			last_pass_end, remote_count, applied, validity_epoch, high_water_mark,
			heartbeat_at, last_error
		FROM folder_sync_status WHERE account_id = ? ORDER BY name`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing folder status of %s: %w", accountID, err)
	}
	out := make([]model.FolderProgress, len(rows))
	for i, r := range rows {
		out[i] = r.FolderProgress
		if msg := strings.TrimSpace(r.LastError); msg != "" {
			out[i].LastError = &model.SyncError{Message: msg, Timestamp: r.LastPassEnd}
		}
	}
	return out, nil
}

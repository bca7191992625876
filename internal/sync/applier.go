package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
)

// ApplyStats summarizes what an applier persisted.
type ApplyStats struct {
	Applied         int
	PartialFailures int
	ByKind          map[model.ChangeKind]int
}

// Applier persists the changes of one folder, in order. Every change is
// applied idempotently, so replaying a pass after a crash is harmless.
type Applier struct {
	store   store.MessageStore
	blocks  blockstore.Store
	account model.Account
	folder  model.Folder

	bodyFailures int
}

// NewApplier returns an applier for folder. blocks may be nil, in which
// case bodies are hashed but not kept.
func NewApplier(s store.MessageStore, blocks blockstore.Store, account model.Account, folder model.Folder) *Applier {
	return &Applier{store: s, blocks: blocks, account: account, folder: folder}
}

// Run applies changes until the channel is closed. It stops at the first
// error that is not confined to a single message.
func (a *Applier) Run(ctx context.Context, changes <-chan model.Change) (ApplyStats, error) {
	stats := ApplyStats{ByKind: make(map[model.ChangeKind]int)}
	a.bodyFailures = 0
	for change := range changes {
		err := a.Apply(ctx, change)
		if err != nil && provider.KindOf(err) == provider.KindPartialItem {
			stats.PartialFailures++
			a.recordError(ctx, change.UID, provider.KindPartialItem, err)
			continue
		}
		if err != nil {
			stats.PartialFailures += a.bodyFailures
			return stats, err
		}
		stats.Applied++
		stats.ByKind[change.Kind]++
		metrics.ChangesApplied.WithLabelValues(change.Kind.String()).Inc()
	}
	stats.PartialFailures += a.bodyFailures
	return stats, nil
}

// Apply persists a single change.
func (a *Applier) Apply(ctx context.Context, change model.Change) error {
	switch change.Kind {
	case model.ChangeNewMessage:
		meta, err := a.describe(ctx, change)
		if err != nil {
			return err
		}
		if _, err := a.store.UpsertMessage(ctx, change.Ref, meta); err != nil {
			return fmt.Errorf("applying new message %d: %w", change.UID, err)
		}
		return nil

	case model.ChangeFlags:
		err := a.store.UpdateFlags(ctx, change.Ref)
		if errors.Is(err, store.ErrNotFound) {
			return provider.Anomaly("apply flags", fmt.Errorf("flags changed for unknown uid %d", change.UID))
		}
		if err != nil {
			return fmt.Errorf("applying flags of %d: %w", change.UID, err)
		}
		return nil

	case model.ChangeExpunged:
		if err := a.store.RecordExpunge(ctx, change.FolderID, change.UID); err != nil {
			return fmt.Errorf("applying expunge of %d: %w", change.UID, err)
		}
		return nil

	case model.ChangeEpochInvalidated:
		n, err := a.store.InvalidateEpoch(ctx, change.FolderID, change.NewEpoch)
		if err != nil {
			return fmt.Errorf("invalidating epoch %d: %w", change.OldEpoch, err)
		}
		log.WithFields(logrus.Fields{
			"account":   a.account.ID,
			"folder":    a.folder.Name,
			"old_epoch": change.OldEpoch,
			"new_epoch": change.NewEpoch,
			"dropped":   n,
		}).Info("validity epoch changed")
		return nil

	default:
		return fmt.Errorf("unknown change kind %v", change.Kind)
	}
}

// describe derives the dedup key, thread key and header fields of a new
// message, fetching and storing its body when a fetcher is attached. A
// body that cannot be fetched leaves the message without one.
func (a *Applier) describe(ctx context.Context, change model.Change) (model.MessageMeta, error) {
	ref := change.Ref
	var (
		meta model.MessageMeta
		raw  []byte
	)

	fetcher := change.Body
	if fetcher != nil && ref.GlobalMessageID != "" {
		// Gmail lists one message under every label folder.
		existing, err := a.store.GetMessageByKey(ctx, a.account.ID, model.KeyForGlobalID(ref.GlobalMessageID))
		if err == nil && existing.BodyKey != "" {
			fetcher = nil
		}
	}

	if fetcher != nil {
		body, err := fetcher.FetchBody(ctx)
		switch {
		case err == nil:
			raw = body
		case provider.IsCanceled(ctx, err), provider.IsNetworkError(err), provider.IsFatal(err):
			return meta, err
		default:
			meta.BodyMissing = true
			a.bodyFailures++
			a.recordError(ctx, ref.RemoteUID, provider.KindPartialItem, err)
		}
	}

	var info headerInfo
	if raw != nil {
		digest := blockstore.Key(raw)
		if a.blocks != nil {
			if err := a.blocks.Put(ctx, digest, raw); err != nil {
				return meta, provider.Retryable("store body", err)
			}
			meta.BodyKey = digest
		}
		parsed, err := parseHeaders(raw)
		if err != nil {
			log.WithFields(logrus.Fields{
				"account": a.account.ID,
				"folder":  a.folder.Name,
				"uid":     ref.RemoteUID,
			}).WithError(err).Warn("unparsable message header")
		}
		info = parsed
		meta.Key = model.KeyForDigest(digest)
	}

	switch {
	case ref.GlobalMessageID != "":
		meta.Key = model.KeyForGlobalID(ref.GlobalMessageID)
	case meta.Key == "":
		meta.Key = model.KeyForUID(ref.FolderID, ref.ValidityEpoch, ref.RemoteUID)
	}

	meta.ThreadKey = threadKey(ref.GlobalThreadID, info)
	meta.Subject = info.Subject
	meta.From = info.From
	meta.HeaderMessageID = info.MessageID
	meta.Date = info.Date
	if change.Body == nil {
		meta.BodyMissing = true
	}
	return meta, nil
}

func (a *Applier) recordError(ctx context.Context, uid uint32, kind provider.Kind, err error) {
	serr := model.NewSyncError(kind.ErrorKind(), err)
	metrics.SyncErrors.WithLabelValues(string(serr.Kind)).Inc()
	log.WithFields(logrus.Fields{
		"account": a.account.ID,
		"folder":  a.folder.Name,
		"uid":     uid,
		"kind":    kind.String(),
	}).WithError(err).Warn("skipping message")
	if rerr := a.store.RecordSyncError(ctx, a.account.ID, a.folder.ID, uid, *serr); rerr != nil {
		log.WithError(rerr).Error("recording sync error")
	}
}

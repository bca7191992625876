package sync

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"runtime/debug"
	"slices"
	"sort"
	gosync "sync"
	"time"

	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nhle/mailsync/internal/blockstore"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/telemetry"
)

var (
	log    = logging.WithPkg("sync")
	tracer = telemetry.Tracer("sync")
)

var errApplierStopped = errors.New("applier stopped")

// EngineConfig tunes folder passes.
type EngineConfig struct {
	BatchSize   int
	QueueSize   int
	FetchBodies bool
	// MaxEpochResets is how many consecutive epoch changes a folder may
	// go through before the account is stopped. Zero disables the cap.
	MaxEpochResets int
}

// EngineConfigFrom extracts the engine settings from the sync config.
func EngineConfigFrom(cfg model.SyncConfig) EngineConfig {
	return EngineConfig{
		BatchSize:      cfg.FetchBatchSize,
		QueueSize:      cfg.ApplyQueueSize,
		FetchBodies:    cfg.FetchBodies,
		MaxEpochResets: cfg.MaxEpochResets,
	}
}

// PassResult describes a completed folder pass.
type PassResult struct {
	Kind        model.PassKind
	RemoteCount int
	Stats       ApplyStats
	Cursor      model.FolderCursor
	Start       time.Time
	End         time.Time
}

// Engine reconciles one remote folder with the local store. Each call to
// RunPass is one trip through the state machine
// Idle -> Deciding -> Full|Incremental -> Draining -> Idle.
type Engine struct {
	store   store.Store
	blocks  blockstore.Store
	account model.Account
	cfg     EngineConfig
	limiter *rate.Limiter

	mu          gosync.Mutex
	folder      model.Folder
	state       model.EngineState
	forceFull   bool
	epochResets int
	// seenEpoch is the new epoch last counted in epochResets. Retries of
	// the same resync do not count again.
	seenEpoch uint64
}

// NewEngine returns an engine for folder. limiter throttles metadata and
// body fetches and may be nil.
func NewEngine(
	s store.Store,
	blocks blockstore.Store,
	account model.Account,
	folder model.Folder,
	cfg EngineConfig,
	limiter *rate.Limiter,
) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Engine{
		store:   s,
		blocks:  blocks,
		account: account,
		folder:  folder,
		cfg:     cfg,
		limiter: limiter,
		state:   model.EngineIdle,
	}
}

// State returns the current state of the machine.
func (e *Engine) State() model.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Folder returns the folder the engine syncs.
func (e *Engine) Folder() model.Folder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.folder
}

// SetFolder updates the folder after a remote rename.
func (e *Engine) SetFolder(f model.Folder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.folder = f
}

// ForceFull makes the next pass a full resync.
func (e *Engine) ForceFull() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forceFull = true
}

func (e *Engine) setState(s model.EngineState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// RunPass runs one folder pass over sess. The cursor is committed only
// after every emitted change has been applied.
func (e *Engine) RunPass(ctx context.Context, sess provider.Session) (res PassResult, err error) {
	folder := e.Folder()
	ctx, span := tracer.Start(ctx, "folder.pass", trace.WithAttributes(
		attribute.String("account", e.account.ID),
		attribute.String("folder", folder.Name),
	))
	res.Start = time.Now()
	defer func() {
		res.End = time.Now()
		if err != nil {
			e.setState(model.EngineError)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.FolderPasses.WithLabelValues(string(res.Kind), "error").Inc()
		} else {
			e.setState(model.EngineIdle)
			metrics.FolderPasses.WithLabelValues(string(res.Kind), "ok").Inc()
			metrics.FolderPassDuration.WithLabelValues(string(res.Kind)).Observe(res.End.Sub(res.Start).Seconds())
		}
		span.End()
	}()

	if _, ok := sess.(*lockedSession); !ok {
		sess = &lockedSession{inner: sess}
	}

	e.setState(model.EngineDeciding)
	sel, err := sess.SelectFolder(ctx, folder.Name, true)
	if err != nil {
		return res, err
	}
	cursor, err := e.store.GetFolderCursor(ctx, folder.ID)
	if err != nil {
		return res, fmt.Errorf("loading cursor of %s: %w", folder.Name, err)
	}
	full, err := e.decide(ctx, folder, cursor, sel)
	if err != nil {
		return res, err
	}
	res.Kind = model.PassIncremental
	if full {
		res.Kind = model.PassFull
	}
	span.SetAttributes(attribute.String("kind", string(res.Kind)))

	changes := make(chan model.Change, e.cfg.QueueSize)
	applyDone := make(chan struct{})
	var (
		applyStats ApplyStats
		applyErr   error
	)
	applier := NewApplier(e.store, e.blocks, e.account, folder)
	go func() {
		defer close(applyDone)
		defer func() {
			if r := recover(); r != nil {
				applyErr = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		applyStats, applyErr = applier.Run(ctx, changes)
	}()

	p := &pass{
		engine: e,
		folder: folder,
		sess:   sess,
		sel:    sel,
		cursor: cursor,
		emit: func(c model.Change) error {
			select {
			case changes <- c:
				return nil
			case <-applyDone:
				return errApplierStopped
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}

	var mark uint64
	if full {
		e.setState(model.EngineFull)
		mark, err = p.full(ctx)
	} else {
		e.setState(model.EngineIncremental)
		mark, err = p.incremental(ctx)
	}
	close(changes)

	e.setState(model.EngineDraining)
	<-applyDone
	res.Stats = applyStats
	res.RemoteCount = p.remoteCount
	if applyErr != nil {
		return res, applyErr
	}
	if err != nil {
		return res, err
	}

	next := model.FolderCursor{
		AccountID:     e.account.ID,
		FolderID:      folder.ID,
		ValidityEpoch: sel.ValidityEpoch,
		MarkKind:      sel.MarkKind,
		HighWaterMark: mark,
		UpdatedAt:     time.Now(),
	}
	if !full && cursor != nil {
		next = cursor.Advance(mark)
	}
	if err := e.store.CommitCursor(ctx, next); err != nil {
		return res, fmt.Errorf("committing cursor of %s: %w", folder.Name, err)
	}
	res.Cursor = next

	if full {
		e.mu.Lock()
		e.forceFull = false
		e.mu.Unlock()
	}

	log.WithFields(logrus.Fields{
		"account":  e.account.ID,
		"folder":   folder.Name,
		"kind":     res.Kind,
		"applied":  res.Stats.Applied,
		"partial":  res.Stats.PartialFailures,
		"remote":   res.RemoteCount,
		"mark":     next.HighWaterMark,
		"duration": time.Since(res.Start).Round(time.Millisecond),
	}).Debug("folder pass complete")
	return res, nil
}

// decide picks the pass strategy and tracks consecutive epoch changes.
func (e *Engine) decide(
	ctx context.Context, folder model.Folder, cursor *model.FolderCursor, sel provider.SelectResult,
) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cursor == nil {
		return true, nil
	}
	if cursor.IsValidityCompatible(sel.ValidityEpoch) {
		e.epochResets = 0
		e.seenEpoch = 0
		return e.forceFull || cursor.MarkKind != sel.MarkKind, nil
	}
	if e.epochResets > 0 && sel.ValidityEpoch == e.seenEpoch {
		return true, nil
	}

	e.epochResets++
	e.seenEpoch = sel.ValidityEpoch
	metrics.EpochResets.Inc()
	fields := logrus.Fields{
		"account":   e.account.ID,
		"folder":    folder.Name,
		"old_epoch": cursor.ValidityEpoch,
		"new_epoch": sel.ValidityEpoch,
		"resets":    e.epochResets,
	}
	if cursor.EpochRegressed(sel.ValidityEpoch) {
		anomaly := fmt.Errorf("validity epoch went back from %d to %d", cursor.ValidityEpoch, sel.ValidityEpoch)
		log.WithFields(fields).Warn("validity epoch regressed")
		serr := model.NewSyncError(model.ErrorDataAnomaly, anomaly)
		metrics.SyncErrors.WithLabelValues(string(serr.Kind)).Inc()
		if err := e.store.RecordSyncError(ctx, e.account.ID, folder.ID, 0, *serr); err != nil {
			log.WithError(err).Error("recording sync error")
		}
	} else {
		log.WithFields(fields).Info("validity epoch changed")
	}

	if e.cfg.MaxEpochResets > 0 && e.epochResets > e.cfg.MaxEpochResets {
		return false, provider.Fatal("decide", fmt.Errorf(
			"folder %s changed validity epoch %d times in a row", folder.Name, e.epochResets))
	}
	return true, nil
}

// pass holds the state of one run through a strategy.
type pass struct {
	engine *Engine
	folder model.Folder
	sess   provider.Session
	sel    provider.SelectResult
	cursor *model.FolderCursor
	emit   func(model.Change) error

	remoteCount int
	// unreadable holds uids whose metadata could not be parsed this pass.
	// They are left as they are rather than treated as vanished.
	unreadable map[uint32]struct{}
}

// full diffs the complete remote uid list against the recorded refs.
func (p *pass) full(ctx context.Context) (uint64, error) {
	known, err := p.engine.store.KnownRefs(ctx, p.folder.ID)
	if err != nil {
		return 0, fmt.Errorf("loading refs of %s: %w", p.folder.Name, err)
	}

	var oldEpoch uint64
	stale := 0
	for uid, st := range known {
		if st.ValidityEpoch != p.sel.ValidityEpoch {
			oldEpoch = st.ValidityEpoch
			delete(known, uid)
			stale++
		}
	}
	if stale > 0 {
		if err := p.emit(model.EpochInvalidated(p.folder.ID, oldEpoch, p.sel.ValidityEpoch)); err != nil {
			return 0, err
		}
	}

	remote, err := p.sess.SearchAll(ctx)
	if err != nil {
		return 0, err
	}
	p.remoteCount = len(remote)
	sortUIDs(remote)

	inRemote := make(map[uint32]struct{}, len(remote))
	for _, uid := range remote {
		inRemote[uid] = struct{}{}
	}
	for _, uid := range sortedKnown(known) {
		if _, ok := inRemote[uid]; !ok {
			if err := p.emit(model.Expunged(p.folder.ID, uid)); err != nil {
				return 0, err
			}
		}
	}

	var maxUID uint32
	for _, batch := range xslices.Chunk(remote, p.engine.cfg.BatchSize) {
		refs, err := p.fetch(ctx, batch, provider.FetchOptions{})
		if err != nil {
			return 0, err
		}
		for _, uid := range batch {
			ref, ok := refs[uid]
			if !ok && p.isUnreadable(uid) {
				continue
			}
			if !ok {
				// Vanished between the search and the fetch.
				if _, wasKnown := known[uid]; wasKnown {
					if err := p.emit(model.Expunged(p.folder.ID, uid)); err != nil {
						return 0, err
					}
				}
				continue
			}
			maxUID = max(maxUID, uid)
			if err := p.diff(known, ref); err != nil {
				return 0, err
			}
		}
	}

	if p.sel.MarkKind == model.MarkModSeq {
		return p.sel.HighWaterMark, nil
	}
	return max(p.sel.HighWaterMark, uint64(maxUID)), nil
}

// incremental asks for what changed since the cursor, then checks for
// expunges explicitly.
func (p *pass) incremental(ctx context.Context) (uint64, error) {
	known, err := p.engine.store.KnownRefs(ctx, p.folder.ID)
	if err != nil {
		return 0, fmt.Errorf("loading refs of %s: %w", p.folder.Name, err)
	}

	modseq := p.sel.MarkKind == model.MarkModSeq
	if modseq && p.sel.HighWaterMark == p.cursor.HighWaterMark && int(p.sel.MessageCount) == len(known) {
		p.remoteCount = len(known)
		return p.cursor.HighWaterMark, nil
	}

	opts := provider.FetchOptions{}
	if modseq {
		opts.ChangedSince = p.cursor.HighWaterMark
	}
	refs, err := p.fetch(ctx, nil, opts)
	if err != nil {
		return 0, err
	}

	var observed uint64
	for _, uid := range sortedRefUIDs(refs) {
		ref := refs[uid]
		if modseq {
			observed = max(observed, ref.ModSeq)
		} else {
			observed = max(observed, uint64(uid))
		}
		if err := p.diff(known, ref); err != nil {
			return 0, err
		}
	}

	remote, err := p.sess.SearchAll(ctx)
	if err != nil {
		return 0, err
	}
	p.remoteCount = len(remote)
	sortUIDs(remote)

	inRemote := make(map[uint32]struct{}, len(remote))
	var missing []uint32
	var maxKnown uint32
	for uid := range known {
		maxKnown = max(maxKnown, uid)
	}
	for _, uid := range remote {
		inRemote[uid] = struct{}{}
		_, wasKnown := known[uid]
		_, seen := refs[uid]
		if !wasKnown && !seen && !p.isUnreadable(uid) {
			missing = append(missing, uid)
		}
	}
	for _, uid := range sortedKnown(known) {
		if _, ok := inRemote[uid]; !ok {
			if err := p.emit(model.Expunged(p.folder.ID, uid)); err != nil {
				return 0, err
			}
		}
	}

	if err := p.retryBodies(ctx, known, refs, inRemote); err != nil {
		return 0, err
	}

	// Messages that arrived after the change fetch are picked up here.
	// Their marks are not folded into the cursor, since changes to other
	// messages in between were not observed.
	if len(missing) > 0 {
		if missing[0] < maxKnown {
			p.engine.ForceFull()
			log.WithFields(logrus.Fields{
				"account": p.engine.account.ID,
				"folder":  p.folder.Name,
				"uid":     missing[0],
			}).Warn("change fetch missed an existing message, scheduling full resync")
		}
		for _, batch := range xslices.Chunk(missing, p.engine.cfg.BatchSize) {
			late, err := p.fetch(ctx, batch, provider.FetchOptions{})
			if err != nil {
				return 0, err
			}
			for _, uid := range batch {
				if ref, ok := late[uid]; ok {
					if err := p.diff(known, ref); err != nil {
						return 0, err
					}
				}
			}
		}
	}

	return max(p.cursor.HighWaterMark, p.sel.HighWaterMark, observed), nil
}

// retryBodies refetches the refs of stored messages that have no body and
// did not show up in the change fetch, so diff can try their bodies again.
func (p *pass) retryBodies(
	ctx context.Context, known map[uint32]model.RefState,
	refs map[uint32]model.RemoteMessageRef, inRemote map[uint32]struct{},
) error {
	if !p.engine.cfg.FetchBodies {
		return nil
	}
	var retry []uint32
	for _, uid := range sortedKnown(known) {
		_, seen := refs[uid]
		_, present := inRemote[uid]
		if known[uid].BodyMissing && present && !seen && !p.isUnreadable(uid) {
			retry = append(retry, uid)
		}
	}
	for _, batch := range xslices.Chunk(retry, p.engine.cfg.BatchSize) {
		again, err := p.fetch(ctx, batch, provider.FetchOptions{})
		if err != nil {
			return err
		}
		for _, uid := range batch {
			if ref, ok := again[uid]; ok {
				if err := p.diff(known, ref); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// diff emits NewMessage or FlagsChanged for one remote ref. A stored
// message without a body is offered again as new so its body is retried.
func (p *pass) diff(known map[uint32]model.RefState, ref model.RemoteMessageRef) error {
	st, ok := known[ref.RemoteUID]
	if !ok || (st.BodyMissing && p.engine.cfg.FetchBodies) {
		return p.emit(model.NewMessage(ref, p.bodyFetcher(ref.RemoteUID)))
	}
	if st.Differs(ref) {
		return p.emit(model.FlagsChanged(ref))
	}
	return nil
}

func (p *pass) fetch(
	ctx context.Context, uids []uint32, opts provider.FetchOptions,
) (map[uint32]model.RemoteMessageRef, error) {
	if p.engine.limiter != nil {
		if err := p.engine.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	refs, err := p.sess.FetchMetadata(ctx, uids, opts)
	if failed, ok := provider.FailedItems(err); ok && refs != nil {
		p.skipUnreadable(ctx, failed)
		err = nil
	}
	if err != nil {
		return nil, err
	}
	for uid, ref := range refs {
		ref.AccountID = p.engine.account.ID
		ref.FolderID = p.folder.ID
		ref.ValidityEpoch = p.sel.ValidityEpoch
		ref.Flags = model.NormalizeSet(ref.Flags)
		ref.Labels = model.NormalizeSet(ref.Labels)
		refs[uid] = ref
	}
	return refs, nil
}

func (p *pass) skipUnreadable(ctx context.Context, failed provider.ItemErrors) {
	if p.unreadable == nil {
		p.unreadable = make(map[uint32]struct{}, len(failed))
	}
	for _, uid := range slices.Sorted(maps.Keys(failed)) {
		if _, seen := p.unreadable[uid]; seen {
			continue
		}
		p.unreadable[uid] = struct{}{}
		serr := model.NewSyncError(model.ErrorPartialItem, failed[uid])
		metrics.SyncErrors.WithLabelValues(string(serr.Kind)).Inc()
		log.WithFields(logrus.Fields{
			"account": p.engine.account.ID,
			"folder":  p.folder.Name,
			"uid":     uid,
		}).WithError(failed[uid]).Warn("skipping unreadable message")
		if err := p.engine.store.RecordSyncError(ctx, p.engine.account.ID, p.folder.ID, uid, *serr); err != nil {
			log.WithError(err).Error("recording sync error")
		}
	}
}

func (p *pass) isUnreadable(uid uint32) bool {
	_, ok := p.unreadable[uid]
	return ok
}

func (p *pass) bodyFetcher(uid uint32) model.BodyFetcher {
	if !p.engine.cfg.FetchBodies {
		return nil
	}
	sess, limiter := p.sess, p.engine.limiter
	return model.BodyFetcherFunc(func(ctx context.Context) ([]byte, error) {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		return sess.FetchBody(ctx, uid)
	})
}

func sortUIDs(uids []uint32) {
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
}

func sortedKnown(known map[uint32]model.RefState) []uint32 {
	uids := make([]uint32, 0, len(known))
	for uid := range known {
		uids = append(uids, uid)
	}
	sortUIDs(uids)
	return uids
}

func sortedRefUIDs(refs map[uint32]model.RemoteMessageRef) []uint32 {
	uids := make([]uint32, 0, len(refs))
	for uid := range refs {
		uids = append(uids, uid)
	}
	sortUIDs(uids)
	return uids
}

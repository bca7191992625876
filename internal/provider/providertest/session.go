package providertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
)

// Session is a connection to a Server.
type Session struct {
	server    *Server
	accountID string

	// selected is guarded by server.mu.
	selected string
	closed   bool
	changed  chan struct{}

	// inUse detects concurrent calls, which real sessions do not allow.
	inUse sync.Mutex
}

var _ provider.Session = (*Session)(nil)

func (c *Session) begin(op string) (func(), error) {
	if !c.inUse.TryLock() {
		panic("providertest: concurrent use of a session")
	}
	if err := c.server.enter(op); err != nil {
		c.inUse.Unlock()
		return nil, err
	}
	c.server.mu.Lock()
	closed := c.closed
	c.server.mu.Unlock()
	if closed {
		c.inUse.Unlock()
		return nil, provider.Retryable(op, fmt.Errorf("session closed"))
	}
	return c.inUse.Unlock, nil
}

func (c *Session) Capabilities() provider.Capabilities {
	return c.server.caps
}

func (c *Session) ListFolders(ctx context.Context) ([]model.FolderInfo, error) {
	done, err := c.begin(OpList)
	if err != nil {
		return nil, err
	}
	defer done()

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FolderInfo, 0, len(s.folders))
	for _, f := range s.folders {
		out = append(out, provider.NewFolderInfo(f.name, "/", f.attrs))
	}
	return out, ctx.Err()
}

func (c *Session) SelectFolder(ctx context.Context, name string, _ bool) (provider.SelectResult, error) {
	done, err := c.begin(OpSelect)
	if err != nil {
		return provider.SelectResult{}, err
	}
	defer done()

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[name]
	if !ok {
		return provider.SelectResult{}, fmt.Errorf("selecting %s: %w", name, provider.ErrFolderGone)
	}
	c.selected = name

	res := provider.SelectResult{
		Name:          name,
		MessageCount:  uint32(len(f.messages)),
		ValidityEpoch: f.validity,
	}
	if s.caps.CondStore {
		res.MarkKind = model.MarkModSeq
		res.HighWaterMark = f.modSeq
	} else {
		res.MarkKind = model.MarkUID
		res.HighWaterMark = uint64(f.uidNext - 1)
	}
	return res, ctx.Err()
}

func (c *Session) selectedFolder() (*folder, error) {
	f, ok := c.server.folders[c.selected]
	if !ok {
		return nil, fmt.Errorf("selected folder %q: %w", c.selected, provider.ErrFolderGone)
	}
	return f, nil
}

func (c *Session) SearchAll(ctx context.Context) ([]uint32, error) {
	done, err := c.begin(OpSearch)
	if err != nil {
		return nil, err
	}
	defer done()

	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	f, err := c.selectedFolder()
	if err != nil {
		return nil, err
	}
	return sortedUIDs(f.messages), ctx.Err()
}

func (c *Session) FetchMetadata(
	ctx context.Context, uids []uint32, opts provider.FetchOptions,
) (map[uint32]model.RemoteMessageRef, error) {
	done, err := c.begin(OpFetch)
	if err != nil {
		return nil, err
	}
	defer done()

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	f, err := c.selectedFolder()
	if err != nil {
		return nil, err
	}
	if uids == nil {
		uids = sortedUIDs(f.messages)
	}

	out := make(map[uint32]model.RemoteMessageRef, len(uids))
	failed := make(provider.ItemErrors)
	for _, uid := range uids {
		msg, ok := f.messages[uid]
		if !ok {
			continue
		}
		if s.caps.CondStore && opts.ChangedSince > 0 && msg.ModSeq <= opts.ChangedSince {
			continue
		}
		if err := s.metaErrors[uid]; err != nil {
			failed[uid] = err
			continue
		}
		ref := model.RemoteMessageRef{
			AccountID:       c.accountID,
			ValidityEpoch:   f.validity,
			RemoteUID:       uid,
			GlobalMessageID: msg.GlobalID,
			GlobalThreadID:  msg.ThreadID,
			Flags:           append([]string(nil), msg.Flags...),
			Labels:          append([]string(nil), msg.Labels...),
			Size:            int64(len(msg.Raw)),
			InternalDate:    msg.InternalDate,
		}
		if s.caps.CondStore {
			ref.ModSeq = msg.ModSeq
		}
		out[uid] = ref
	}
	if len(failed) > 0 {
		return out, provider.PartialItem("fetch", failed)
	}
	return out, ctx.Err()
}

func (c *Session) FetchBody(ctx context.Context, uid uint32) ([]byte, error) {
	done, err := c.begin(OpBody)
	if err != nil {
		return nil, err
	}
	defer done()

	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.bodyErrors[uid]; err != nil {
		return nil, err
	}
	f, err := c.selectedFolder()
	if err != nil {
		return nil, err
	}
	msg, ok := f.messages[uid]
	if !ok {
		return nil, fmt.Errorf("uid %d: %w", uid, provider.ErrMessageGone)
	}
	return append([]byte(nil), msg.Raw...), ctx.Err()
}

func (c *Session) IdleWait(ctx context.Context, timeout time.Duration) (provider.IdleResult, error) {
	select {
	case <-c.changed:
		return provider.IdleNewData, nil
	default:
	}
	if !c.server.caps.Idle {
		return 0, provider.ErrIdleUnsupported
	}
	done, err := c.begin(OpIdle)
	if err != nil {
		return 0, err
	}
	defer done()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.changed:
		return provider.IdleNewData, nil
	case <-timer.C:
		return provider.IdleTimeout, nil
	case <-ctx.Done():
		return provider.IdleCanceled, nil
	}
}

func (c *Session) AppendMessage(
	ctx context.Context, name string, raw []byte, flags []string,
) (uint32, error) {
	done, err := c.begin(OpAppend)
	if err != nil {
		return 0, err
	}
	defer done()

	s := c.server
	s.mu.Lock()
	_, ok := s.folders[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("appending to %s: %w", name, provider.ErrFolderGone)
	}
	return s.Deliver(name, raw, DeliverOptions{Flags: flags}), ctx.Err()
}

func (c *Session) Close() error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	c.closed = true
	delete(s.sessions, c)
	return nil
}

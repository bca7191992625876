package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
)

// lockedSession serializes calls on a session shared between a folder
// pass and the body fetchers it hands to the applier.
type lockedSession struct {
	mu    gosync.Mutex
	inner provider.Session
	// gen is the pool generation the session was dialed in.
	gen uint64
}

var _ provider.Session = (*lockedSession)(nil)

func (s *lockedSession) Capabilities() provider.Capabilities {
	return s.inner.Capabilities()
}

func (s *lockedSession) ListFolders(ctx context.Context) ([]model.FolderInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ListFolders(ctx)
}

func (s *lockedSession) SelectFolder(ctx context.Context, name string, readOnly bool) (provider.SelectResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.SelectFolder(ctx, name, readOnly)
}

func (s *lockedSession) SearchAll(ctx context.Context) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.SearchAll(ctx)
}

func (s *lockedSession) FetchMetadata(
	ctx context.Context, uids []uint32, opts provider.FetchOptions,
) (map[uint32]model.RemoteMessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.FetchMetadata(ctx, uids, opts)
}

func (s *lockedSession) FetchBody(ctx context.Context, uid uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.FetchBody(ctx, uid)
}

func (s *lockedSession) IdleWait(ctx context.Context, timeout time.Duration) (provider.IdleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.IdleWait(ctx, timeout)
}

func (s *lockedSession) AppendMessage(ctx context.Context, folder string, raw []byte, flags []string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.AppendMessage(ctx, folder, raw, flags)
}

func (s *lockedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Close()
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	gosync "sync"

	"github.com/nhle/mailsync/internal/model"
)

// ErrNotRunning is returned for accounts without a coordinator on this host.
var ErrNotRunning = errors.New("account is not running on this host")

// PanicError is the exit error of a coordinator that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("coordinator panicked: %v", e.Value)
}

// IsPanic reports whether err is or wraps a PanicError.
func IsPanic(err error) bool {
	var p *PanicError
	return errors.As(err, &p)
}

type managed struct {
	coord  *Coordinator
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Manager owns the coordinators running on this host, keyed by account id.
type Manager struct {
	deps Deps

	mu      gosync.Mutex
	running map[string]*managed
}

// NewManager returns a manager that builds coordinators from deps.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:    deps,
		running: make(map[string]*managed),
	}
}

// Start launches a coordinator for accountID. Starting an account that is
// already running is a no-op.
func (m *Manager) Start(ctx context.Context, accountID string) error {
	account, err := m.deps.Store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("starting account %s: %w", accountID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[accountID]; ok {
		return nil
	}

	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &managed{
		coord:  NewCoordinator(account, m.deps),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.running[accountID] = h

	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.err = &PanicError{Value: r, Stack: debug.Stack()}
				log.WithField("account", accountID).WithError(h.err).Error("coordinator panicked")
			}
		}()
		h.err = h.coord.Run(cctx)
	}()

	log.WithField("account", accountID).Info("account sync started")
	return nil
}

// Stop cancels the account's coordinator and waits for it to exit.
func (m *Manager) Stop(accountID string) {
	m.mu.Lock()
	h, ok := m.running[accountID]
	delete(m.running, accountID)
	m.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
	log.WithField("account", accountID).Info("account sync stopped")
}

// StopAll stops every coordinator.
func (m *Manager) StopAll() {
	for _, id := range m.Running() {
		m.Stop(id)
	}
}

// Running returns the ids of accounts with a live coordinator.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsRunning reports whether accountID has a coordinator, exited or not.
func (m *Manager) IsRunning(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[accountID]
	return ok
}

// Reap removes coordinators that exited on their own and returns their
// exit errors. A nil error means a clean exit.
func (m *Manager) Reap() map[string]error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exited := make(map[string]error)
	for id, h := range m.running {
		select {
		case <-h.done:
			exited[id] = h.err
			delete(m.running, id)
		default:
		}
	}
	return exited
}

// Status reports the live status of a running account.
func (m *Manager) Status(accountID string) (model.AccountStatus, error) {
	h, err := m.get(accountID)
	if err != nil {
		return model.AccountStatus{}, err
	}
	return h.coord.Status(), nil
}

// AppendMessage appends raw to a folder of a running account.
func (m *Manager) AppendMessage(
	ctx context.Context, accountID, folder string, raw []byte, flags []string,
) (uint32, error) {
	h, err := m.get(accountID)
	if err != nil {
		return 0, err
	}
	return h.coord.AppendMessage(ctx, folder, raw, flags)
}

// Resync triggers a pass of one folder of a running account.
func (m *Manager) Resync(accountID, folder string, full bool) error {
	h, err := m.get(accountID)
	if err != nil {
		return err
	}
	return h.coord.Resync(folder, full)
}

func (m *Manager) get(accountID string) (*managed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.running[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNotRunning)
	}
	return h, nil
}

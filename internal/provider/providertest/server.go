// Package providertest provides an in-memory mail server implementing
// provider.Session for tests.
package providertest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
)

// Operation names accepted by FailNext and Hook.
const (
	OpDial   = "dial"
	OpList   = "list"
	OpSelect = "select"
	OpSearch = "search"
	OpFetch  = "fetch"
	OpBody   = "body"
	OpIdle   = "idle"
	OpAppend = "append"
)

// Message is a message stored on the fake server.
type Message struct {
	UID          uint32
	Raw          []byte
	Flags        []string
	Labels       []string
	GlobalID     string
	ThreadID     string
	ModSeq       uint64
	InternalDate time.Time
}

type folder struct {
	name     string
	attrs    []string
	validity uint64
	uidNext  uint32
	modSeq   uint64
	messages map[uint32]*Message
}

// DeliverOptions describe a delivered message.
type DeliverOptions struct {
	Flags    []string
	Labels   []string
	GlobalID string
	ThreadID string
}

// Server is a fake IMAP server. All methods are safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	caps     provider.Capabilities
	folders  map[string]*folder
	sessions map[*Session]struct{}

	failNext   map[string][]error
	bodyErrors map[uint32]error
	metaErrors map[uint32]error
	hooks      map[string]func()

	dials    int
	fetches  int
	maxOpen  int
	password string
}

// NewServer returns an empty server advertising caps.
func NewServer(caps provider.Capabilities) *Server {
	return &Server{
		caps:       caps,
		folders:    make(map[string]*folder),
		sessions:   make(map[*Session]struct{}),
		failNext:   make(map[string][]error),
		bodyErrors: make(map[uint32]error),
		metaErrors: make(map[uint32]error),
		hooks:      make(map[string]func()),
	}
}

// RequirePassword makes Dial reject credentials with a different secret.
func (s *Server) RequirePassword(pw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = pw
}

// AddFolder creates a folder with the given validity epoch.
func (s *Server) AddFolder(name string, validity uint64, attrs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[name] = &folder{
		name:     name,
		attrs:    attrs,
		validity: validity,
		uidNext:  1,
		modSeq:   1,
		messages: make(map[uint32]*Message),
	}
}

// RemoveFolder deletes a folder.
func (s *Server) RemoveFolder(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.folders, name)
}

// RenameFolder renames a folder, keeping its contents and epoch.
func (s *Server) RenameFolder(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[from]
	if !ok {
		return
	}
	delete(s.folders, from)
	f.name = to
	s.folders[to] = f
}

// Deliver appends raw to folder and returns its uid.
func (s *Server) Deliver(name string, raw []byte, opts DeliverOptions) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.mustFolder(name)
	f.modSeq++
	msg := &Message{
		UID:          f.uidNext,
		Raw:          raw,
		Flags:        model.NormalizeSet(opts.Flags),
		Labels:       model.NormalizeSet(opts.Labels),
		GlobalID:     opts.GlobalID,
		ThreadID:     opts.ThreadID,
		ModSeq:       f.modSeq,
		InternalDate: time.Now().UTC().Truncate(time.Second),
	}
	f.messages[msg.UID] = msg
	f.uidNext++
	s.notify(name)
	return msg.UID
}

// SetFlags replaces the flags of a message.
func (s *Server) SetFlags(name string, uid uint32, flags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.mustFolder(name)
	msg, ok := f.messages[uid]
	if !ok {
		return
	}
	f.modSeq++
	msg.Flags = model.NormalizeSet(flags)
	msg.ModSeq = f.modSeq
	s.notify(name)
}

// SetLabels replaces the Gmail labels of a message.
func (s *Server) SetLabels(name string, uid uint32, labels ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.mustFolder(name)
	msg, ok := f.messages[uid]
	if !ok {
		return
	}
	f.modSeq++
	msg.Labels = model.NormalizeSet(labels)
	msg.ModSeq = f.modSeq
	s.notify(name)
}

// Expunge removes a message.
func (s *Server) Expunge(name string, uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.mustFolder(name)
	if _, ok := f.messages[uid]; !ok {
		return
	}
	f.modSeq++
	delete(f.messages, uid)
	s.notify(name)
}

// ResetValidity changes a folder's epoch and renumbers its messages from
// uid 1, as a server does after rebuilding its index.
func (s *Server) ResetValidity(name string, validity uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.mustFolder(name)
	old := sortedUIDs(f.messages)
	renumbered := make(map[uint32]*Message, len(old))
	f.uidNext = 1
	for _, uid := range old {
		msg := f.messages[uid]
		msg.UID = f.uidNext
		renumbered[msg.UID] = msg
		f.uidNext++
	}
	f.messages = renumbered
	f.validity = validity
	f.modSeq++
	s.notify(name)
}

// UIDs returns the uids currently in a folder.
func (s *Server) UIDs(name string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedUIDs(s.mustFolder(name).messages)
}

// Message returns a copy of a stored message.
func (s *Server) Message(name string, uid uint32) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.mustFolder(name).messages[uid]
	if !ok {
		return Message{}, false
	}
	out := *msg
	out.Flags = append([]string(nil), msg.Flags...)
	out.Labels = append([]string(nil), msg.Labels...)
	return out, true
}

// FailNext makes the next call of op fail with err. Calls queue up.
func (s *Server) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = append(s.failNext[op], err)
}

// FailBody makes every body fetch of uid fail with err.
func (s *Server) FailBody(uid uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodyErrors[uid] = err
}

// FailMetadata makes uid unreadable in metadata fetches. The rest of each
// fetch still succeeds. A nil err clears it.
func (s *Server) FailMetadata(uid uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaErrors[uid] = err
}

// Hook runs fn, without the server lock held, at the start of every call
// of op. A nil fn removes the hook.
func (s *Server) Hook(op string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.hooks, op)
		return
	}
	s.hooks[op] = fn
}

// Dials reports how many sessions were opened.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Fetches reports how many metadata fetches were served.
func (s *Server) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// OpenSessions reports how many sessions are currently open.
func (s *Server) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// MaxOpenSessions reports the peak number of concurrently open sessions.
func (s *Server) MaxOpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxOpen
}

// Dialer returns a provider.Dialer connected to s.
func (s *Server) Dialer() provider.Dialer {
	return provider.DialerFunc(func(
		ctx context.Context, account model.Account, cred credential.Credential,
	) (provider.Session, error) {
		if err := s.enter(OpDial); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.password != "" && cred.Secret != s.password {
			return nil, &provider.AuthError{AccountID: account.ID, Message: "invalid credentials"}
		}
		sess := &Session{
			server:    s,
			accountID: account.ID,
			changed:   make(chan struct{}, 1),
		}
		s.sessions[sess] = struct{}{}
		s.dials++
		s.maxOpen = max(s.maxOpen, len(s.sessions))
		return sess, nil
	})
}

// enter runs the hook and pops an injected failure for op.
func (s *Server) enter(op string) error {
	s.mu.Lock()
	hook := s.hooks[op]
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q := s.failNext[op]; len(q) > 0 {
		s.failNext[op] = q[1:]
		return q[0]
	}
	return nil
}

func (s *Server) mustFolder(name string) *folder {
	f, ok := s.folders[name]
	if !ok {
		panic(fmt.Sprintf("providertest: no folder %q", name))
	}
	return f
}

// notify wakes sessions with name selected. Callers hold s.mu.
func (s *Server) notify(name string) {
	for sess := range s.sessions {
		if sess.selected == name {
			select {
			case sess.changed <- struct{}{}:
			default:
			}
		}
	}
}

func sortedUIDs(m map[uint32]*Message) []uint32 {
	uids := make([]uint32, 0, len(m))
	for uid := range m {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// RawMessage builds a minimal RFC 5322 message.
func RawMessage(messageID, subject string, headers ...string) []byte {
	raw := fmt.Sprintf("From: sender@example.com\r\nTo: rcpt@example.com\r\nSubject: %s\r\nMessage-ID: <%s>\r\nDate: Mon, 02 Jan 2006 15:04:05 +0000\r\n", subject, messageID)
	for _, h := range headers {
		raw += h + "\r\n"
	}
	return []byte(raw + "\r\n" + "body of " + subject + "\r\n")
}

// Digest returns the content hash the sync engine keys raw by.
func Digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

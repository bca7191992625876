// Package generic implements provider sessions for standards-based IMAP
// servers on top of go-imap v2.
package generic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bradenaw/juniper/xslices"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
)

var log = logging.WithPkg("provider/generic")

var errIdleEnded = errors.New("server ended IDLE")

// fetchChunk bounds the number of uids named in a single FETCH.
const fetchChunk = 500

// Session is a go-imap v2 connection to a single account.
type Session struct {
	accountID string
	client    *imapclient.Client
	caps      provider.Capabilities

	mu    sync.Mutex
	epoch uint64

	// changed is signalled by unilateral EXISTS, EXPUNGE and FETCH
	// responses.
	changed chan struct{}
}

// Dialer opens generic IMAP sessions.
type Dialer struct {
	// TLSConfig overrides the default TLS configuration.
	TLSConfig *tls.Config
}

// Dial connects, authenticates and reads capabilities.
func (d Dialer) Dial(
	ctx context.Context, account model.Account, cred credential.Credential,
) (provider.Session, error) {
	return dial(ctx, account, cred, d.TLSConfig)
}

func dial(
	ctx context.Context,
	account model.Account,
	cred credential.Credential,
	tlsConfig *tls.Config,
) (*Session, error) {
	addr := account.Address()
	if addr == "" {
		return nil, provider.Fatal("dial", fmt.Errorf("account %s has no IMAP host", account.ID))
	}

	s := &Session{
		accountID: account.ID,
		changed:   make(chan struct{}, 1),
	}
	opts := &imapclient.Options{
		TLSConfig: tlsConfig,
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Expunge: func(uint32) { s.signal() },
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					s.signal()
				}
			},
			// Flag changes made by other clients arrive as unsolicited FETCH.
			Fetch: func(msg *imapclient.FetchMessageData) {
				_, _ = msg.Collect()
				s.signal()
			},
		},
	}

	type dialResult struct {
		client *imapclient.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		var (
			client *imapclient.Client
			err    error
		)
		switch {
		case account.Provider == model.ProviderGeneric && account.IMAP != nil && account.IMAP.Insecure:
			client, err = imapclient.DialInsecure(addr, opts)
		case account.Provider == model.ProviderGeneric && account.IMAP != nil && !account.IMAP.TLS:
			client, err = imapclient.DialStartTLS(addr, opts)
		default:
			client, err = imapclient.DialTLS(addr, opts)
		}
		done <- dialResult{client, err}
	}()

	var res dialResult
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, provider.Retryable("dial", fmt.Errorf("connecting to IMAP %s: %w", addr, res.err))
	}
	s.client = res.client

	stop := context.AfterFunc(ctx, func() { _ = s.client.Close() })
	defer stop()

	if err := s.authenticate(cred); err != nil {
		_ = s.client.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &provider.AuthError{
			AccountID: account.ID,
			Message:   fmt.Sprintf("%s: %v", cred.Username, err),
		}
	}

	caps := s.client.Caps()
	s.caps = provider.Capabilities{
		CondStore: caps.Has(imap.CapCondStore),
		Idle:      caps.Has(imap.CapIdle),
		UIDPlus:   caps.Has(imap.CapUIDPlus),
		Gmail:     caps.Has(imap.Cap("X-GM-EXT-1")),
	}
	log.WithFields(logrus.Fields{
		"account":   account.ID,
		"condstore": s.caps.CondStore,
		"idle":      s.caps.Idle,
	}).Debug("session established")

	return s, nil
}

func (s *Session) authenticate(cred credential.Credential) error {
	if cred.Kind == credential.KindOAuth {
		return s.client.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: cred.Username,
			Token:    cred.Secret,
		}))
	}
	return s.client.Login(cred.Username, cred.Secret).Wait()
}

func (s *Session) signal() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// guard closes the connection if ctx ends before the returned func is
// called.
func (s *Session) guard(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() { _ = s.client.Close() })
}

func (s *Session) Capabilities() provider.Capabilities {
	return s.caps
}

func (s *Session) ListFolders(ctx context.Context) ([]model.FolderInfo, error) {
	defer s.guard(ctx)()

	list, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, s.classify(ctx, "list", err)
	}

	folders := make([]model.FolderInfo, 0, len(list))
	for _, data := range list {
		attrs := xslices.Map(data.Attrs, func(a imap.MailboxAttr) string { return string(a) })
		delim := ""
		if data.Delim != 0 {
			delim = string(data.Delim)
		}
		folders = append(folders, provider.NewFolderInfo(data.Mailbox, delim, attrs))
	}
	return folders, nil
}

func (s *Session) SelectFolder(
	ctx context.Context, name string, readOnly bool,
) (provider.SelectResult, error) {
	defer s.guard(ctx)()

	data, err := s.client.Select(name, &imap.SelectOptions{
		ReadOnly:  readOnly,
		CondStore: s.caps.CondStore,
	}).Wait()
	if err != nil {
		var imapErr *imap.Error
		if errors.As(err, &imapErr) && imapErr.Type == imap.StatusResponseTypeNo &&
			(imapErr.Code == imap.ResponseCodeNonExistent || provider.MissingFolderText(imapErr.Text)) {
			return provider.SelectResult{}, fmt.Errorf("selecting %s: %w", name, provider.ErrFolderGone)
		}
		return provider.SelectResult{}, s.classify(ctx, "select", err)
	}

	res := provider.SelectResult{
		Name:          name,
		MessageCount:  data.NumMessages,
		ValidityEpoch: uint64(data.UIDValidity),
	}
	if s.caps.CondStore && data.HighestModSeq > 0 {
		res.MarkKind = model.MarkModSeq
		res.HighWaterMark = data.HighestModSeq
	} else {
		res.MarkKind = model.MarkUID
		if data.UIDNext > 0 {
			res.HighWaterMark = uint64(data.UIDNext) - 1
		}
	}

	s.mu.Lock()
	s.epoch = res.ValidityEpoch
	s.mu.Unlock()
	return res, nil
}

func (s *Session) SearchAll(ctx context.Context) ([]uint32, error) {
	defer s.guard(ctx)()

	data, err := s.client.UIDSearch(&imap.SearchCriteria{
		UID: []imap.UIDSet{allUIDs()},
	}, nil).Wait()
	if err != nil {
		return nil, s.classify(ctx, "search", err)
	}
	return xslices.Map(data.AllUIDs(), func(u imap.UID) uint32 { return uint32(u) }), nil
}

func (s *Session) FetchMetadata(
	ctx context.Context, uids []uint32, opts provider.FetchOptions,
) (map[uint32]model.RemoteMessageRef, error) {
	defer s.guard(ctx)()

	out := make(map[uint32]model.RemoteMessageRef)
	fetchOpts := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		RFC822Size:   true,
		InternalDate: true,
		ModSeq:       s.caps.CondStore,
	}
	if s.caps.CondStore {
		fetchOpts.ChangedSince = opts.ChangedSince
	}

	if uids == nil {
		if err := s.fetchInto(ctx, allUIDs(), fetchOpts, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	for start := 0; start < len(uids); start += fetchChunk {
		end := min(start+fetchChunk, len(uids))
		set := imap.UIDSetNum(xslices.Map(uids[start:end], func(u uint32) imap.UID { return imap.UID(u) })...)
		if err := s.fetchInto(ctx, set, fetchOpts, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Session) fetchInto(
	ctx context.Context,
	set imap.UIDSet,
	opts *imap.FetchOptions,
	out map[uint32]model.RemoteMessageRef,
) error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	msgs, err := s.client.Fetch(set, opts).Collect()
	if err != nil {
		return s.classify(ctx, "fetch", err)
	}
	for _, buf := range msgs {
		if buf.UID == 0 {
			continue
		}
		out[uint32(buf.UID)] = model.RemoteMessageRef{
			AccountID:     s.accountID,
			ValidityEpoch: epoch,
			RemoteUID:     uint32(buf.UID),
			Flags:         model.NormalizeSet(xslices.Map(buf.Flags, func(f imap.Flag) string { return string(f) })),
			ModSeq:        buf.ModSeq,
			Size:          buf.RFC822Size,
			InternalDate:  buf.InternalDate,
		}
	}
	return nil
}

func (s *Session) FetchBody(ctx context.Context, uid uint32) ([]byte, error) {
	defer s.guard(ctx)()

	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, s.classify(ctx, "fetch body", err)
	}
	for _, buf := range msgs {
		if uint32(buf.UID) != uid {
			continue
		}
		if body := buf.FindBodySection(section); body != nil {
			return body, nil
		}
	}
	return nil, fmt.Errorf("uid %d: %w", uid, provider.ErrMessageGone)
}

func (s *Session) IdleWait(
	ctx context.Context, timeout time.Duration,
) (provider.IdleResult, error) {
	select {
	case <-s.changed:
		return provider.IdleNewData, nil
	default:
	}
	if !s.caps.Idle {
		return 0, provider.ErrIdleUnsupported
	}

	idle, err := s.client.Idle()
	if err != nil {
		return 0, s.classify(ctx, "idle", err)
	}

	ended := make(chan error, 1)
	go func() { ended <- idle.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result provider.IdleResult
	select {
	case <-s.changed:
		result = provider.IdleNewData
	case <-timer.C:
		result = provider.IdleTimeout
	case <-ctx.Done():
		result = provider.IdleCanceled
	case err := <-ended:
		if err == nil {
			err = errIdleEnded
		}
		return 0, provider.Retryable("idle", err)
	}

	if err := idle.Close(); err != nil {
		return 0, provider.Retryable("idle", err)
	}
	if err := <-ended; err != nil {
		return 0, provider.Retryable("idle", err)
	}
	return result, nil
}

func (s *Session) AppendMessage(
	ctx context.Context, folder string, raw []byte, flags []string,
) (uint32, error) {
	defer s.guard(ctx)()

	cmd := s.client.Append(folder, int64(len(raw)), &imap.AppendOptions{
		Flags: xslices.Map(flags, func(f string) imap.Flag { return imap.Flag(f) }),
	})
	if _, err := cmd.Write(raw); err != nil {
		_ = cmd.Close()
		return 0, s.classify(ctx, "append", err)
	}
	if err := cmd.Close(); err != nil {
		return 0, s.classify(ctx, "append", err)
	}
	data, err := cmd.Wait()
	if err != nil {
		return 0, s.classify(ctx, "append", err)
	}
	if data != nil && data.UID != 0 {
		return uint32(data.UID), nil
	}
	return s.findAppended(ctx, folder, raw)
}

// findAppended locates a message appended without APPENDUID by its
// Message-ID header.
func (s *Session) findAppended(ctx context.Context, folder string, raw []byte) (uint32, error) {
	id := provider.HeaderMessageID(raw)
	if id == "" {
		return 0, provider.PartialItem("append", errors.New("server returned no uid and message has no Message-ID"))
	}
	if _, err := s.client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return 0, s.classify(ctx, "append", err)
	}
	data, err := s.client.UIDSearch(&imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-ID", Value: id}},
	}, nil).Wait()
	if err != nil {
		return 0, s.classify(ctx, "append", err)
	}
	var uid uint32
	for _, u := range data.AllUIDs() {
		uid = max(uid, uint32(u))
	}
	if uid == 0 {
		return 0, provider.PartialItem("append", fmt.Errorf("appended message %s not found", id))
	}
	return uid, nil
}

func (s *Session) Close() error {
	err := s.client.Logout().Wait()
	if cerr := s.client.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Session) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil && provider.IsCanceled(ctx, err) {
		return ctx.Err()
	}
	var classified *provider.Error
	if errors.As(err, &classified) {
		return err
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Code {
		case imap.ResponseCodeAuthenticationFailed, imap.ResponseCodeAuthorizationFailed,
			imap.ResponseCodeExpired:
			return &provider.AuthError{AccountID: s.accountID, Message: imapErr.Text}
		case imap.ResponseCodeNonExistent:
			return fmt.Errorf("%s: %w", op, provider.ErrFolderGone)
		}
	}
	return provider.Retryable(op, err)
}

// allUIDs is the set 1:*.
func allUIDs() imap.UIDSet {
	return imap.UIDSet{imap.UIDRange{Start: 1, Stop: 0}}
}


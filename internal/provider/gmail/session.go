// Package gmail implements provider sessions for Gmail, using the X-GM-*
// IMAP extensions for stable message and thread identity.
package gmail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/commands"
	"github.com/emersion/go-imap/responses"
	"github.com/emersion/go-sasl"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
)

var log = logging.WithPkg("provider/gmail")

const (
	dialTimeout = 30 * time.Second
	fetchChunk  = 500
)

// Session is a go-imap v1 connection to a Gmail account.
type Session struct {
	accountID string
	c         *client.Client
	caps      provider.Capabilities

	mu    sync.Mutex
	epoch uint64

	changed chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Dialer opens Gmail sessions.
type Dialer struct {
	TLSConfig *tls.Config
}

// Dial connects over TLS, authenticates and reads capabilities.
func (d Dialer) Dial(
	ctx context.Context, account model.Account, cred credential.Credential,
) (provider.Session, error) {
	addr := account.Address()

	type dialResult struct {
		c   *client.Client
		err error
	}
	ch := make(chan dialResult, 1)
	go func() {
		c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: dialTimeout}, addr, d.TLSConfig)
		ch <- dialResult{c, err}
	}()

	var res dialResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.c != nil {
				_ = r.c.Terminate()
			}
		}()
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, provider.Retryable("dial", fmt.Errorf("connecting to Gmail %s: %w", addr, res.err))
	}

	s := &Session{
		accountID: account.ID,
		c:         res.c,
		changed:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	updates := make(chan client.Update, 64)
	s.c.Updates = updates
	go s.watch(updates)

	stop := context.AfterFunc(ctx, func() { _ = s.c.Terminate() })
	defer stop()

	if err := s.authenticate(cred); err != nil {
		s.shutdown()
		_ = s.c.Terminate()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &provider.AuthError{
			AccountID: account.ID,
			Message:   fmt.Sprintf("%s: %v", cred.Username, err),
		}
	}

	caps, err := s.c.Capability()
	if err != nil {
		s.shutdown()
		_ = s.c.Terminate()
		return nil, s.classify(ctx, "capability", err)
	}
	s.caps = provider.Capabilities{
		CondStore: caps["CONDSTORE"],
		Idle:      caps["IDLE"],
		UIDPlus:   caps["UIDPLUS"],
		Gmail:     caps["X-GM-EXT-1"],
	}
	if !s.caps.Gmail {
		log.WithField("account", account.ID).Warn("server does not advertise X-GM-EXT-1")
	}
	return s, nil
}

func (s *Session) authenticate(cred credential.Credential) error {
	if cred.Kind == credential.KindOAuth {
		return s.c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: cred.Username,
			Token:    cred.Secret,
		}))
	}
	return s.c.Login(cred.Username, cred.Secret)
}

// watch drains unilateral updates. go-imap v1 blocks its reader until
// the Updates channel is read.
func (s *Session) watch(updates <-chan client.Update) {
	for {
		select {
		case u := <-updates:
			switch u.(type) {
			case *client.MailboxUpdate, *client.ExpungeUpdate, *client.MessageUpdate:
				select {
				case s.changed <- struct{}{}:
				default:
				}
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) shutdown() {
	s.once.Do(func() { close(s.done) })
}

func (s *Session) guard(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() { _ = s.c.Terminate() })
}

func (s *Session) Capabilities() provider.Capabilities {
	return s.caps
}

func (s *Session) ListFolders(ctx context.Context) ([]model.FolderInfo, error) {
	defer s.guard(ctx)()

	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() { done <- s.c.List("", "*", ch) }()

	var folders []model.FolderInfo
	for mbox := range ch {
		folders = append(folders, provider.NewFolderInfo(mbox.Name, mbox.Delimiter, mbox.Attributes))
	}
	if err := <-done; err != nil {
		return nil, s.classify(ctx, "list", err)
	}
	return folders, nil
}

func (s *Session) SelectFolder(
	ctx context.Context, name string, readOnly bool,
) (provider.SelectResult, error) {
	defer s.guard(ctx)()

	items := []imap.StatusItem{imap.StatusUidValidity}
	if s.caps.CondStore {
		items = append(items, statusHighestModSeq)
	}
	status, err := s.c.Status(name, items)
	if err != nil {
		if provider.MissingFolderText(err.Error()) {
			return provider.SelectResult{}, fmt.Errorf("selecting %s: %w", name, provider.ErrFolderGone)
		}
		return provider.SelectResult{}, s.classify(ctx, "status", err)
	}

	mbox, err := s.c.Select(name, readOnly)
	if err != nil {
		if provider.MissingFolderText(err.Error()) {
			return provider.SelectResult{}, fmt.Errorf("selecting %s: %w", name, provider.ErrFolderGone)
		}
		return provider.SelectResult{}, s.classify(ctx, "select", err)
	}

	res := provider.SelectResult{
		Name:          name,
		MessageCount:  mbox.Messages,
		ValidityEpoch: uint64(mbox.UidValidity),
	}
	modseq, err := parseUint64(status.Items[statusHighestModSeq])
	if err != nil {
		return provider.SelectResult{}, provider.Anomaly("select", fmt.Errorf("HIGHESTMODSEQ: %w", err))
	}
	if s.caps.CondStore && modseq > 0 && status.UidValidity == mbox.UidValidity {
		res.MarkKind = model.MarkModSeq
		res.HighWaterMark = modseq
	} else {
		res.MarkKind = model.MarkUID
		if mbox.UidNext > 0 {
			res.HighWaterMark = uint64(mbox.UidNext) - 1
		}
	}

	s.mu.Lock()
	s.epoch = res.ValidityEpoch
	s.mu.Unlock()
	return res, nil
}

func (s *Session) SearchAll(ctx context.Context) ([]uint32, error) {
	defer s.guard(ctx)()

	criteria := imap.NewSearchCriteria()
	criteria.Uid = allUIDs()
	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, s.classify(ctx, "search", err)
	}
	return uids, nil
}

func (s *Session) FetchMetadata(
	ctx context.Context, uids []uint32, opts provider.FetchOptions,
) (map[uint32]model.RemoteMessageRef, error) {
	defer s.guard(ctx)()

	since := uint64(0)
	if s.caps.CondStore {
		since = opts.ChangedSince
	}
	out := make(map[uint32]model.RemoteMessageRef)
	failed := make(provider.ItemErrors)

	if uids == nil {
		if err := s.fetchInto(allUIDs(), since, out, failed); err != nil {
			return nil, s.classify(ctx, "fetch", err)
		}
		return out, s.itemFailures(failed)
	}
	for start := 0; start < len(uids); start += fetchChunk {
		set := new(imap.SeqSet)
		set.AddNum(uids[start:min(start+fetchChunk, len(uids))]...)
		if err := s.fetchInto(set, since, out, failed); err != nil {
			return nil, s.classify(ctx, "fetch", err)
		}
	}
	return out, s.itemFailures(failed)
}

func (s *Session) fetchInto(
	set *imap.SeqSet, since uint64, out map[uint32]model.RemoteMessageRef, failed provider.ItemErrors,
) error {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	return s.uidFetch(set, metadataItems, since, func(msg *imap.Message) {
		s.collect(msg, epoch, out, failed)
	})
}

// collect adds msg to out, or to failed when its items cannot be parsed.
func (s *Session) collect(
	msg *imap.Message, epoch uint64, out map[uint32]model.RemoteMessageRef, failed provider.ItemErrors,
) {
	ref, err := s.refFromMessage(msg, epoch)
	if err != nil {
		failed[msg.Uid] = err
		return
	}
	out[ref.RemoteUID] = ref
}

func (s *Session) itemFailures(failed provider.ItemErrors) error {
	if len(failed) == 0 {
		return nil
	}
	log.WithFields(logrus.Fields{"account": s.accountID, "count": len(failed)}).Warn("unparsable messages in fetch")
	return provider.PartialItem("fetch", failed)
}

// uidFetch runs UID FETCH with an optional CHANGEDSINCE modifier and
// calls fn for every message in the response.
func (s *Session) uidFetch(
	set *imap.SeqSet, items []imap.FetchItem, since uint64, fn func(*imap.Message),
) error {
	cmd := &commands.Uid{Cmd: &changedSinceFetch{
		Fetch: commands.Fetch{SeqSet: set, Items: items},
		since: since,
	}}
	ch := make(chan *imap.Message, 32)
	done := make(chan error, 1)
	go func() {
		status, err := s.c.Execute(cmd, &responses.Fetch{Messages: ch, SeqSet: set, Uid: true})
		if err == nil {
			err = status.Err()
		}
		close(ch)
		done <- err
	}()
	for msg := range ch {
		fn(msg)
	}
	return <-done
}

func (s *Session) refFromMessage(msg *imap.Message, epoch uint64) (model.RemoteMessageRef, error) {
	ref := model.RemoteMessageRef{
		AccountID:     s.accountID,
		ValidityEpoch: epoch,
		RemoteUID:     msg.Uid,
		Flags:         model.NormalizeSet(msg.Flags),
		Size:          int64(msg.Size),
		InternalDate:  msg.InternalDate,
	}
	msgID, err := parseUint64(msg.Items[itemMsgID])
	if err != nil {
		return ref, provider.Anomaly("fetch", fmt.Errorf("uid %d X-GM-MSGID: %w", msg.Uid, err))
	}
	thrID, err := parseUint64(msg.Items[itemThrID])
	if err != nil {
		return ref, provider.Anomaly("fetch", fmt.Errorf("uid %d X-GM-THRID: %w", msg.Uid, err))
	}
	labels, err := parseLabels(msg.Items[itemLabels])
	if err != nil {
		return ref, provider.Anomaly("fetch", fmt.Errorf("uid %d: %w", msg.Uid, err))
	}
	modseq, err := parseModSeq(msg.Items[itemModSeq])
	if err != nil {
		return ref, provider.Anomaly("fetch", fmt.Errorf("uid %d MODSEQ: %w", msg.Uid, err))
	}
	if msgID != 0 {
		ref.GlobalMessageID = fmt.Sprint(msgID)
	}
	if thrID != 0 {
		ref.GlobalThreadID = fmt.Sprint(thrID)
	}
	ref.Labels = model.NormalizeSet(labels)
	ref.ModSeq = modseq
	return ref, nil
}

func (s *Session) FetchBody(ctx context.Context, uid uint32) ([]byte, error) {
	defer s.guard(ctx)()

	section := &imap.BodySectionName{Peek: true}
	set := new(imap.SeqSet)
	set.AddNum(uid)

	var body []byte
	var readErr error
	err := s.uidFetch(set, []imap.FetchItem{imap.FetchUid, section.FetchItem()}, 0, func(msg *imap.Message) {
		if msg.Uid != uid {
			return
		}
		if lit := msg.GetBody(section); lit != nil {
			body, readErr = io.ReadAll(lit)
		}
	})
	if err != nil {
		return nil, s.classify(ctx, "fetch body", err)
	}
	if readErr != nil {
		return nil, provider.Retryable("fetch body", readErr)
	}
	if body == nil {
		return nil, fmt.Errorf("uid %d: %w", uid, provider.ErrMessageGone)
	}
	return body, nil
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

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.c.Idle(stop, &client.IdleOptions{LogoutTimeout: -1})
	}()

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
	case err := <-done:
		return 0, provider.Retryable("idle", err)
	}
	close(stop)
	if err := <-done; err != nil {
		return 0, provider.Retryable("idle", err)
	}
	return result, nil
}

func (s *Session) AppendMessage(
	ctx context.Context, folder string, raw []byte, flags []string,
) (uint32, error) {
	defer s.guard(ctx)()

	cmd := &commands.Append{
		Mailbox: folder,
		Flags:   flags,
		Message: bytes.NewBuffer(raw),
	}
	status, err := s.c.Execute(cmd, nil)
	if err == nil {
		err = status.Err()
	}
	if err != nil {
		return 0, s.classify(ctx, "append", err)
	}
	if status.Code == "APPENDUID" {
		_, uid, err := parseAppendUID(status.Arguments)
		if err != nil {
			return 0, provider.Anomaly("append", err)
		}
		return uid, nil
	}
	return s.findAppended(ctx, folder, raw)
}

func (s *Session) findAppended(ctx context.Context, folder string, raw []byte) (uint32, error) {
	id := provider.HeaderMessageID(raw)
	if id == "" {
		return 0, provider.PartialItem("append", errors.New("server returned no uid and message has no Message-ID"))
	}
	if _, err := s.c.Select(folder, true); err != nil {
		return 0, s.classify(ctx, "append", err)
	}
	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Message-Id", "<"+id+">")
	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return 0, s.classify(ctx, "append", err)
	}
	var uid uint32
	for _, u := range uids {
		uid = max(uid, u)
	}
	if uid == 0 {
		return 0, provider.PartialItem("append", fmt.Errorf("appended message %s not found", id))
	}
	return uid, nil
}

func (s *Session) Close() error {
	defer s.shutdown()
	err := s.c.Logout()
	if errors.Is(err, client.ErrAlreadyLoggedOut) {
		return nil
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
	if errors.Is(err, client.ErrNotLoggedIn) {
		return &provider.AuthError{AccountID: s.accountID, Message: err.Error()}
	}
	log.WithFields(logrus.Fields{"account": s.accountID, "op": op}).WithError(err).Debug("imap command failed")
	return provider.Retryable(op, err)
}

func allUIDs() *imap.SeqSet {
	set := new(imap.SeqSet)
	set.AddRange(1, 0)
	return set
}

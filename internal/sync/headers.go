package sync

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// headerInfo is what the applier extracts from a message's header.
type headerInfo struct {
	Subject   string
	From      string
	MessageID string
	Date      time.Time
	// ThreadRoot is the first References id, else the In-Reply-To id,
	// else the message's own id.
	ThreadRoot string
}

func parseHeaders(raw []byte) (headerInfo, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return headerInfo{}, fmt.Errorf("reading header: %w", err)
	}
	h := mail.Header{Header: message.Header{Header: th}}

	var info headerInfo
	if info.Subject, err = h.Subject(); err != nil {
		info.Subject = h.Get("Subject")
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		info.From = from[0].Address
	} else {
		info.From = strings.TrimSpace(h.Get("From"))
	}
	info.Date, _ = h.Date()
	info.MessageID, _ = h.MessageID()

	if refs, _ := h.MsgIDList("References"); len(refs) > 0 {
		info.ThreadRoot = refs[0]
	} else if irt, _ := h.MsgIDList("In-Reply-To"); len(irt) > 0 {
		info.ThreadRoot = irt[0]
	} else {
		info.ThreadRoot = info.MessageID
	}
	return info, nil
}

// threadKey groups a message: the provider thread id when there is one,
// else the header thread root.
func threadKey(globalThreadID string, info headerInfo) string {
	switch {
	case globalThreadID != "":
		return "gt:" + globalThreadID
	case info.ThreadRoot != "":
		return "hdr:" + info.ThreadRoot
	default:
		return ""
	}
}

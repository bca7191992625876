package gmail

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/commands"
)

// Gmail IMAP extension fetch items.
const (
	itemMsgID  imap.FetchItem = "X-GM-MSGID"
	itemThrID  imap.FetchItem = "X-GM-THRID"
	itemLabels imap.FetchItem = "X-GM-LABELS"
	itemModSeq imap.FetchItem = "MODSEQ"

	statusHighestModSeq imap.StatusItem = "HIGHESTMODSEQ"
)

var metadataItems = []imap.FetchItem{
	imap.FetchUid,
	imap.FetchFlags,
	imap.FetchRFC822Size,
	imap.FetchInternalDate,
	itemMsgID,
	itemThrID,
	itemLabels,
	itemModSeq,
}

// changedSinceFetch is a FETCH carrying the CONDSTORE CHANGEDSINCE
// modifier, which go-imap v1 does not model.
type changedSinceFetch struct {
	commands.Fetch
	since uint64
}

func (cmd *changedSinceFetch) Command() *imap.Command {
	c := cmd.Fetch.Command()
	if cmd.since > 0 {
		c.Arguments = append(c.Arguments, []interface{}{
			imap.RawString("CHANGEDSINCE"),
			imap.RawString(strconv.FormatUint(cmd.since, 10)),
		})
	}
	return c
}

// parseUint64 reads a 64-bit number item. The v1 parser hands numbers
// back as atoms.
func parseUint64(v interface{}) (uint64, error) {
	switch v := v.(type) {
	case string:
		return strconv.ParseUint(v, 10, 64)
	case imap.RawString:
		return strconv.ParseUint(string(v), 10, 64)
	case uint32:
		return uint64(v), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected number type %T", v)
	}
}

// parseModSeq reads MODSEQ, which is a parenthesized single number.
func parseModSeq(v interface{}) (uint64, error) {
	if list, ok := v.([]interface{}); ok {
		if len(list) == 0 {
			return 0, nil
		}
		return parseUint64(list[0])
	}
	return parseUint64(v)
}

// parseLabels reads X-GM-LABELS. Labels arrive as atoms, quoted strings
// or literals.
func parseLabels(v interface{}) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("labels: expected list, got %T", v)
	}
	labels := make([]string, 0, len(list))
	for _, item := range list {
		s, err := imap.ParseString(item)
		if err != nil {
			return nil, fmt.Errorf("labels: %w", err)
		}
		if s = strings.TrimSpace(s); s != "" {
			labels = append(labels, s)
		}
	}
	return labels, nil
}

// parseAppendUID reads the APPENDUID response code arguments.
func parseAppendUID(args []interface{}) (uint32, uint32, error) {
	if len(args) < 2 {
		return 0, 0, fmt.Errorf("APPENDUID: expected 2 arguments, got %d", len(args))
	}
	validity, err := imap.ParseNumber(args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("APPENDUID validity: %w", err)
	}
	uid, err := imap.ParseNumber(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("APPENDUID uid: %w", err)
	}
	return validity, uid, nil
}

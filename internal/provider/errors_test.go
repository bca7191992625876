package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

type errString string

func (e errString) Error() string {
	return string(e)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified fatal", Fatal("login", errors.New("no")), KindFatal},
		{"wrapped classified", fmt.Errorf("pass: %w", Anomaly("select", errors.New("epoch"))), KindDataAnomaly},
		{"auth error", &AuthError{AccountID: "a1", Message: "bad password"}, KindFatal},
		{"folder gone", fmt.Errorf("selecting: %w", ErrFolderGone), KindFatal},
		{"message gone", ErrMessageGone, KindPartialItem},
		{"network", io.EOF, KindRetryable},
		{"anything else", errors.New("boom"), KindRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsNetworkError(t *testing.T) {
	assert.False(t, IsNetworkError(nil))
	assert.True(t, IsNetworkError(io.ErrUnexpectedEOF))
	assert.True(t, IsNetworkError(errString("read tcp: use of closed network connection")))
	assert.False(t, IsNetworkError(errString("NO [NONEXISTENT] no such mailbox")))
}

func TestIsCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.False(t, IsCanceled(ctx, io.EOF))
	cancel()
	assert.True(t, IsCanceled(ctx, io.EOF))
	assert.True(t, IsCanceled(context.Background(), fmt.Errorf("x: %w", context.Canceled)))
	assert.False(t, IsCanceled(ctx, nil))
}

func TestErrorUnwrap(t *testing.T) {
	err := Retryable("fetch", ErrMessageGone)
	assert.ErrorIs(t, err, ErrMessageGone)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsFatal(err))
	assert.Contains(t, err.Error(), "fetch: retryable")
}

func TestFailedItems(t *testing.T) {
	err := fmt.Errorf("pass: %w", PartialItem("fetch", ItemErrors{9: errors.New("bad labels"), 4: errors.New("bad modseq")}))
	items, ok := FailedItems(err)
	assert.True(t, ok)
	assert.Len(t, items, 2)
	assert.Equal(t, KindPartialItem, KindOf(err))
	assert.Contains(t, err.Error(), "first uid 4: bad modseq")

	_, ok = FailedItems(Retryable("fetch", io.EOF))
	assert.False(t, ok)
	_, ok = FailedItems(ItemErrors{})
	assert.False(t, ok)
}

func TestMissingFolderText(t *testing.T) {
	assert.True(t, MissingFolderText("Unknown Mailbox: Work (Failure)"))
	assert.True(t, MissingFolderText("[NONEXISTENT] Mailbox doesn't exist: Old"))
	assert.False(t, MissingFolderText("Server busy, try later"))
}

func TestHeaderMessageID(t *testing.T) {
	raw := []byte("From: a@example.com\r\nMessage-ID: <abc@example.com>\r\nSubject: hi\r\n\r\nbody\r\n")
	assert.Equal(t, "abc@example.com", HeaderMessageID(raw))
	assert.Equal(t, "", HeaderMessageID([]byte("Subject: none\r\n\r\n")))
}

package credential_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/credential/mock"
)

func newProvider(t *testing.T, refresher credential.Refresher) *credential.KeyringProvider {
	t.Helper()
	return credential.NewKeyringProvider(keyring.NewArrayKeyring(nil), refresher)
}

func TestKeyringProviderRoundTrip(t *testing.T) {
	p := newProvider(t, nil)

	_, err := p.GetValidCredential(context.Background(), "a1")
	require.ErrorIs(t, err, credential.ErrNotFound)

	require.NoError(t, p.Set("a1", credential.Credential{Username: "u@example.com", Secret: "pw"}))

	cred, err := p.GetValidCredential(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "u@example.com", cred.Username)
	assert.Equal(t, credential.KindPassword, cred.Kind)

	require.NoError(t, p.Delete("a1"))
	_, err = p.Get("a1")
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestKeyringProviderRefreshesExpiredToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	refresher := mock.NewMockRefresher(ctrl)
	p := newProvider(t, refresher)

	stale := credential.Credential{
		Username:  "u@gmail.com",
		Secret:    "old",
		Kind:      credential.KindOAuth,
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	fresh := stale
	fresh.Secret = "new"
	fresh.ExpiresAt = time.Now().Add(time.Hour)

	require.NoError(t, p.Set("a1", stale))
	refresher.EXPECT().Refresh(gomock.Any(), "a1", gomock.Any()).Return(fresh, nil)

	cred, err := p.GetValidCredential(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "new", cred.Secret)

	// The refreshed token is persisted, so no second refresh happens.
	cred, err = p.GetValidCredential(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "new", cred.Secret)
}

func TestKeyringProviderInvalidate(t *testing.T) {
	ctrl := gomock.NewController(t)
	refresher := mock.NewMockRefresher(ctrl)
	p := newProvider(t, refresher)

	require.NoError(t, p.Set("a1", credential.Credential{Username: "u", Secret: "tok", Kind: credential.KindOAuth}))

	p.Invalidate("a1")
	refresher.EXPECT().Refresh(gomock.Any(), "a1", gomock.Any()).Return(credential.Credential{}, errors.New("revoked"))

	_, err := p.GetValidCredential(context.Background(), "a1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoked")
}

package testutil

import (
	"context"
	"testing"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates an in-memory SQLStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// CreateAccount inserts an account of the given provider kind.
func CreateAccount(t *testing.T, s store.Store, kind model.ProviderKind) model.Account {
	t.Helper()

	a := model.Account{
		Email:         "user@example.com",
		Provider:      kind,
		SyncShouldRun: true,
	}
	if kind == model.ProviderGeneric {
		a.IMAP = &model.IMAPSettings{Host: "imap.example.com", Port: 993, TLS: true}
	}
	if err := s.CreateAccount(context.Background(), &a); err != nil {
		t.Fatalf("creating account: %v", err)
	}
	return a
}

// CreateFolders reconciles the named folders into the store and returns
// them keyed by name.
func CreateFolders(t *testing.T, s store.Store, accountID string, infos ...model.FolderInfo) map[string]model.Folder {
	t.Helper()

	if _, err := s.ReconcileFolderList(context.Background(), accountID, infos); err != nil {
		t.Fatalf("reconciling folders: %v", err)
	}
	folders, err := s.ListFolders(context.Background(), accountID)
	if err != nil {
		t.Fatalf("listing folders: %v", err)
	}
	out := make(map[string]model.Folder, len(folders))
	for _, f := range folders {
		out[f.Name] = f
	}
	return out
}

// Folder builds a selectable FolderInfo with a role.
func Folder(name string, role model.FolderRole) model.FolderInfo {
	return model.FolderInfo{Name: name, Role: role, Selectable: true}
}

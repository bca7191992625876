package model

import "time"

// ProviderKind identifies which protocol dialect an account speaks.
type ProviderKind string

const (
	ProviderGeneric ProviderKind = "imap"
	ProviderGmail   ProviderKind = "gmail"
)

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	return k == ProviderGeneric || k == ProviderGmail
}

// AccountState is the coarse sync state recorded for an account.
type AccountState string

const (
	AccountRunning   AccountState = "running"
	AccountStopped   AccountState = "stopped"
	AccountKilled    AccountState = "killed"
	AccountInvalid   AccountState = "invalid"
	AccountConnError AccountState = "connerror"
)

// IMAPSettings holds connection details for a generic IMAP account.
type IMAPSettings struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// TLS selects implicit TLS. When false, STARTTLS is required.
	TLS bool `json:"tls"`
	// Insecure dials without any TLS. Only meant for local test servers.
	Insecure bool `json:"insecure,omitempty"`
}

// GmailSettings holds Gmail-specific account settings.
type GmailSettings struct {
	// Host overrides imap.gmail.com, mostly for tests.
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// Address returns host:port for the account's IMAP endpoint.
func (a Account) Address() string {
	switch a.Provider {
	case ProviderGmail:
		host, port := "imap.gmail.com", 993
		if a.Gmail != nil && a.Gmail.Host != "" {
			host = a.Gmail.Host
		}
		if a.Gmail != nil && a.Gmail.Port != 0 {
			port = a.Gmail.Port
		}
		return joinHostPort(host, port)
	default:
		if a.IMAP == nil {
			return ""
		}
		port := a.IMAP.Port
		if port == 0 {
			port = 993
		}
		return joinHostPort(a.IMAP.Host, port)
	}
}

// Account is a remote mailbox identity being mirrored.
type Account struct {
	ID       string
	Email    string
	Provider ProviderKind
	IMAP     *IMAPSettings
	Gmail    *GmailSettings

	SyncShouldRun   bool
	SyncHost        string
	DesiredSyncHost string
	ClaimExpiresAt  time.Time
	SyncState       AccountState
	LastError       *SyncError

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Deleted reports whether the account has been marked for deletion.
func (a Account) Deleted() bool {
	return a.DeletedAt != nil
}

// IntentKind names a migration message.
type IntentKind string

const (
	// IntentMigrateFrom asks the current host to release an account.
	IntentMigrateFrom IntentKind = "migrate_from"
	// IntentMigrateTo tells the target host the account is free to claim.
	IntentMigrateTo IntentKind = "migrate_to"
)

// MigrationIntent is a queued request to move an account between hosts.
// Host is the addressee.
type MigrationIntent struct {
	ID        string     `db:"id"`
	AccountID string     `db:"account_id"`
	Kind      IntentKind `db:"kind"`
	Host      string     `db:"host"`
	FromHost  string     `db:"from_host"`
	ToHost    string     `db:"to_host"`
	CreatedAt time.Time  `db:"created_at"`
}

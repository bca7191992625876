package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/app"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

const passwordEnvVar = "MAILSYNC_PASSWORD"

func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage synced accounts",
	}
	cmd.AddCommand(
		newAccountAddCmd(),
		newAccountListCmd(),
		newAccountToggleCmd("enable", true),
		newAccountToggleCmd("disable", false),
		newAccountRemoveCmd(),
		newAccountMigrateCmd(),
	)
	return cmd
}

func newAccountAddCmd() *cobra.Command {
	var (
		email    string
		kind     string
		host     string
		port     int
		plainTLS bool
		insecure bool
		username string
		disabled bool
		desired  string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an account; the password is read from $" + passwordEnvVar,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			acct := model.Account{
				Email:           email,
				Provider:        model.ProviderKind(kind),
				SyncShouldRun:   !disabled,
				DesiredSyncHost: desired,
			}
			switch acct.Provider {
			case model.ProviderGeneric:
				if host == "" {
					return errors.New("--host is required for imap accounts")
				}
				acct.IMAP = &model.IMAPSettings{Host: host, Port: port, TLS: !plainTLS, Insecure: insecure}
			case model.ProviderGmail:
				if host != "" {
					acct.Gmail = &model.GmailSettings{Host: host, Port: port}
				}
			default:
				return fmt.Errorf("unknown provider %q: must be imap or gmail", kind)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			password, hasPassword := os.LookupEnv(passwordEnvVar)

			if !hasPassword {
				s, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
				if err != nil {
					return err
				}
				defer s.Close()
				if err := s.CreateAccount(cmd.Context(), &acct); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), acct.ID)
				return nil
			}

			a, err := app.New(cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Store().CreateAccount(cmd.Context(), &acct); err != nil {
				return err
			}
			if username == "" {
				username = email
			}
			err = a.Credentials().Set(acct.ID, credential.Credential{
				Username: username,
				Secret:   password,
				Kind:     credential.KindPassword,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), acct.ID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&email, "email", "", "account address")
	f.StringVar(&kind, "provider", string(model.ProviderGeneric), "imap or gmail")
	f.StringVar(&host, "host", "", "IMAP server host")
	f.IntVar(&port, "port", 993, "IMAP server port")
	f.BoolVar(&plainTLS, "starttls", false, "use STARTTLS instead of implicit TLS")
	f.BoolVar(&insecure, "insecure", false, "connect without TLS (test servers only)")
	f.StringVar(&username, "username", "", "login name (default: the email)")
	f.BoolVar(&disabled, "disabled", false, "register without starting sync")
	f.StringVar(&desired, "host-id", "", "pin the account to a sync host")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newAccountListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts and where they run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			accounts, err := s.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tPROVIDER\tENABLED\tSTATE\tHOST")
			for _, a := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
					a.ID, a.Email, a.Provider, a.SyncShouldRun, a.SyncState, a.SyncHost)
			}
			return w.Flush()
		},
	}
}

func newAccountToggleCmd(name string, run bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <account-id>",
		Short: name + " sync for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.SetSyncShouldRun(cmd.Context(), args[0], run)
		},
	}
}

func newAccountRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <account-id>",
		Short: "Mark an account deleted; its host stops syncing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.DeleteAccount(cmd.Context(), args[0])
		},
	}
}

func newAccountMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <account-id> <host>",
		Short: "Move an account to another sync host",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			id, target := args[0], args[1]
			acct, err := s.GetAccount(cmd.Context(), id)
			if err != nil {
				return err
			}
			if acct.SyncHost == "" || acct.SyncHost == target {
				// Nobody to hand off from; the target claims it on its next pass.
				return s.SetDesiredHost(cmd.Context(), id, target)
			}
			return s.EnqueueIntent(cmd.Context(), model.MigrationIntent{
				AccountID: id,
				Kind:      model.IntentMigrateFrom,
				Host:      acct.SyncHost,
				FromHost:  acct.SyncHost,
				ToHost:    target,
			})
		},
	}
}

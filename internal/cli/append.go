package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/app"
)

func newAppendCmd() *cobra.Command {
	var flags []string

	cmd := &cobra.Command{
		Use:   "append <account-id> <folder> <file|->",
		Short: "Upload a raw RFC 5322 message to a folder",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readMessage(cmd, args[2])
			if err != nil {
				return err
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := app.New(cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			uid, err := a.AppendMessage(cmd.Context(), args[0], args[1], raw, flags)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), uid)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&flags, "flag", nil, `flags to set, e.g. --flag '\Seen'`)
	return cmd
}

func readMessage(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	return raw, nil
}

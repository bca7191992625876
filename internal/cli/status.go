package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/statusapi"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [account-id]",
		Short: "Print the stored sync status of one or all accounts as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			var ids []string
			if len(args) == 1 {
				ids = args
			} else {
				accounts, err := s.ListAccounts(cmd.Context())
				if err != nil {
					return err
				}
				for _, a := range accounts {
					ids = append(ids, a.ID)
				}
			}

			out := make([]model.AccountStatus, 0, len(ids))
			for _, id := range ids {
				st, err := statusapi.StoredStatus(cmd.Context(), s, id)
				if err != nil {
					return err
				}
				out = append(out, st)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

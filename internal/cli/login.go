package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/umuteyi/movliqbot/internal/storage"
)

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Check that every agent in the credentials file can log in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			creds, err := storage.LoadCredentials(a.cfg.CredentialsPath)
			if err != nil {
				return err
			}
			b, err := newBot(a.cfg)
			if err != nil {
				return err
			}
			defer b.close()

			n, err := b.sessions.LoginAll(cmd.Context(), creds)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tSTATUS\tEXPIRES")
			for _, cred := range creds {
				s, ok := b.sessions.Get(cred.Email)
				switch {
				case !ok:
					fmt.Fprintf(tw, "%s\tfailed\t-\n", cred.Email)
				case s.ExpiresAt.IsZero():
					fmt.Fprintf(tw, "%s\tok\tunknown\n", cred.Email)
				default:
					fmt.Fprintf(tw, "%s\tok\t%s\n", cred.Email, s.ExpiresAt.Local().Format(time.DateTime))
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if n == 0 {
				return errors.New("no agent could log in")
			}
			return nil
		},
	}
}

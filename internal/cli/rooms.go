package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/umuteyi/movliqbot/internal/rooms"
	"github.com/umuteyi/movliqbot/internal/session"
	"github.com/umuteyi/movliqbot/internal/storage"
)

func newRoomsCmd(a *app) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List the rooms currently open for joining",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			creds, err := storage.LoadCredentials(a.cfg.CredentialsPath)
			if err != nil {
				return err
			}
			b, err := newBot(a.cfg)
			if err != nil {
				return err
			}
			defer b.close()

			agent, err := firstLogin(ctx, b.sessions, creds)
			if err != nil {
				return err
			}
			open, err := b.directory.ListOpenRooms(ctx, agent.Token)
			if err != nil {
				return err
			}
			if all {
				open = b.directory.All()
			}
			return printRooms(cmd.OutOrStdout(), open, time.Now())
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include rooms that are not open")
	return cmd
}

// firstLogin logs credentials in one at a time and returns the first
// session that succeeds.
func firstLogin(ctx context.Context, store *session.Store, creds []storage.Credential) (session.AgentSession, error) {
	var errs []error
	for _, cred := range creds {
		s, err := store.Login(ctx, cred)
		if err == nil {
			return s, nil
		}
		if ctx.Err() != nil {
			return session.AgentSession{}, ctx.Err()
		}
		errs = append(errs, err)
	}
	return session.AgentSession{}, fmt.Errorf("no agent could log in: %w", errors.Join(errs...))
}

func printRooms(w io.Writer, list []rooms.Room, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCAPACITY\tSTATUS\tAGE")
	for _, r := range list {
		age := "-"
		if d, ok := r.Age(now); ok {
			age = d.Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", r.ID, r.Name, r.Capacity, r.Status, age)
	}
	return tw.Flush()
}

package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/umuteyi/movliqbot/internal/storage"
	"github.com/umuteyi/movliqbot/pkg/logger"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Log in every agent and run the join and telemetry loops",
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

			logger.Infof("logging in %d agent(s)", len(creds))
			n, err := b.sessions.LoginAll(ctx, creds)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			if n == 0 {
				return errors.New("no agent could log in")
			}
			logger.Infof("%d of %d agent(s) logged in", n, len(creds))

			err = b.scheduler.Run(ctx)
			if printErr := printMemberships(cmd.OutOrStdout(), b.sessions.Emails(), b.coordinator.RoomsOf); printErr != nil {
				logger.Warnf("membership summary: %v", printErr)
			}
			return err
		},
	}
}

// printMemberships writes the rooms each agent joined during the run.
func printMemberships(w io.Writer, agents []string, roomsOf func(string) []int64) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tROOMS")
	for _, agent := range agents {
		joined := roomsOf(agent)
		if len(joined) == 0 {
			fmt.Fprintf(tw, "%s\t-\n", agent)
			continue
		}
		ids := make([]string, len(joined))
		for i, id := range joined {
			ids[i] = strconv.FormatInt(id, 10)
		}
		fmt.Fprintf(tw, "%s\t%s\n", agent, strings.Join(ids, ","))
	}
	return tw.Flush()
}

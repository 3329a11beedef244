// Package cli implements the movliqbot command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/umuteyi/movliqbot/internal/config"
	"github.com/umuteyi/movliqbot/pkg/logger"
)

// Execute runs the root command until it returns or the process receives
// SIGINT or SIGTERM.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// app carries state shared by subcommands once the root's pre-run has
// loaded the configuration.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "movliqbot",
		Short:         "Drive a pool of agent accounts through open race rooms",
		Long:          "movliqbot logs in every agent from the credentials file, joins open race rooms under capacity and rate limits, and streams live telemetry for each joined room until its race ends.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default movliqbot.{toml,yaml} in . or ~/.movliqbot)")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	_ = a.v.BindPFlag(config.KeyLogLevel, flags.Lookup("log-level"))

	run := newRunCmd(a)
	root.RunE = run.RunE

	root.AddCommand(
		run,
		newRoomsCmd(a),
		newLoginCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) load() error {
	if a.configPath != "" {
		a.v.SetConfigFile(a.configPath)
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	a.cfg = cfg
	return nil
}

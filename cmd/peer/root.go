package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/duochat/signal-server/internal/app"
	"github.com/duochat/signal-server/internal/config"
	"github.com/duochat/signal-server/internal/ui"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "peer",
	Short: "Random one-to-one chat peer backed by the shared session store",
	Long: `peer joins the matchmaking pool directly against the session store and
event broker, negotiates a WebRTC connection with the matched partner and
relays text chat over the session.

Run two peers against the same DATABASE_URL and REDIS_URL to talk to each other.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.WarnLevel
		if verbose {
			level = zerolog.DebugLevel
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log signaling details to stderr")
	rootCmd.AddCommand(chatCmd, onlineCmd)
}

// Execute runs the root command with a context cancelled on interrupt.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

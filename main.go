package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func main() {
	// a missing .env is fine, the environment may already hold everything
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "opachat",
		Short:         "Streaming chat for the terminal",
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to the config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "overrides the configured log level")

	root.AddCommand(
		newTUICmd(flags),
		newServeCmd(flags),
		newCompleteCmd(flags),
		newHistoryCmd(flags),
	)

	// running without a subcommand opens the chat
	tui := newTUICmd(flags)
	root.RunE = tui.RunE
	root.Flags().AddFlagSet(tui.Flags())

	return root
}

// setup loads the config and points the global logger at stderr, or at the log file when one is
// configured. toTerminal is false for commands that own the terminal, which then only log to a
// file.
func setup(flags *globalFlags, toTerminal bool) (Config, error) {
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return Config{}, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}

	if err := setupLogging(cfg, toTerminal); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setupLogging(cfg Config, toTerminal bool) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrapf(err, "setupLogging: bad level %q", cfg.LogLevel)
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer
	switch {
	case cfg.LogFile != "":
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return errors.Wrap(err, "setupLogging")
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return errors.Wrap(err, "setupLogging")
		}
		w = f
	case toTerminal:
		w = zerolog.ConsoleWriter{
			Out:     os.Stderr,
			NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
		}
	default:
		w = io.Discard
	}

	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

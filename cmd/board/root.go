package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"fullscreen/board/internal/config"
	"fullscreen/board/internal/identity"
)

type app struct {
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var (
		configPath string
		logLevel   string
		logFormat  string
	)

	rootCmd := &cobra.Command{
		Use:          "board",
		Short:        "Collaborative board sessions: relay, join, archive and inspect boards",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if logFormat != "" {
				cfg.LogFormat = logFormat
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default board.toml in . or the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(
		newRelayCmd(a),
		newNewCmd(a),
		newInspectCmd(a),
		newDuplicateCmd(a),
		newJoinCmd(a),
		newArchiveCmd(a),
		newFindCmd(a),
		newForgetCmd(a),
		newWhoamiCmd(a),
	)
	return rootCmd
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func (a *app) identity() *identity.Provider {
	return identity.NewProvider(a.cfg.IdentityFile, a.logger)
}

func newWhoamiCmd(a *app) *cobra.Command {
	var set string
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Print the participant id of this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider := a.identity()
			if set != "" {
				if err := provider.Store(set); err != nil {
					return fmt.Errorf("store participant id: %w", err)
				}
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), provider.Participant().ID)
			return err
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "replace the persisted participant id")
	return cmd
}

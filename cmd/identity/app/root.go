// Package app wires configuration, stores and the HTTP surface of the identity service.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"godwit.dev/identity/internal/config"
	"godwit.dev/identity/internal/obs"
	"godwit.dev/identity/internal/seed"
)

var (
	version = "dev"
	commit  = "none"
)

// NewRootCmd creates the root command. With --seed it seeds the stores and
// exits; otherwise it serves until interrupted.
func NewRootCmd() *cobra.Command {
	var runSeed bool
	cmd := &cobra.Command{
		Use:               "identity",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Short:             "OAuth2/OpenID Connect identity provider",
		Version:           version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				cmd.PrintErrf("Error: %v\n", err)
				return err
			}
			logger, err := obs.NewLogger(cfg.LogLevel)
			if err != nil {
				cmd.PrintErrf("Error: %v\n", err)
				return err
			}
			defer func() { _ = logger.Sync() }()

			obs.Init()
			obs.InitBuildInfo(version, commit)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if runSeed {
				return fatal(logger, "seed failed", seedStores(ctx, cfg, logger))
			}
			return fatal(logger, "service failed", serve(ctx, cfg, logger))
		},
	}
	cmd.Flags().BoolVar(&runSeed, "seed", false, "Seed roles, users and configuration, then exit")
	return cmd
}

func seedStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("seeding database")
	if err := seed.Run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("done seeding database")
	return nil
}

// fatal terminates the process with exit code 1 when err is set.
func fatal(logger *zap.Logger, msg string, err error) error {
	if err != nil {
		logger.Fatal(msg, zap.Error(err))
	}
	return nil
}

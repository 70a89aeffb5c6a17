package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pyamooz/pyamooz-chat/internal/server"
	"github.com/pyamooz/pyamooz-chat/internal/version"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, cfg, err := a.loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting pyamooz-chat",
		zap.String("version", version.Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Type),
		zap.String("auth_mode", cfg.Auth.Mode),
		zap.String("default_provider", cfg.LLM.DefaultProvider))

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize server", zap.Error(err))
		return err
	}
	defer srv.Close()

	if err := srv.Run(ctx, mgr.Watch(ctx)); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("Server exited gracefully")
	return nil
}

// Command ftserver runs the reference file transfer over HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ghettovoice/sipchat/config"
	"github.com/ghettovoice/sipchat/ftserver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	addr       string
	storageDir string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:          "ftserver",
		Short:        "Serve RCS file transfer over HTTP uploads and downloads",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, &flags)
		},
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file path")
	cmd.Flags().StringVar(&flags.addr, "addr", "", "listen address, overrides server.addr")
	cmd.Flags().StringVar(&flags.storageDir, "storage-dir", "", "upload directory, overrides server.storage_dir")

	cmd.AddCommand(newTokenCmd(&flags))
	return cmd
}

func loadConfig(flags *rootFlags) (config.Config, *slog.Logger, error) {
	cfg, path, err := config.Load(nil, flags.configPath)
	if err != nil {
		return cfg, nil, err
	}
	if flags.addr != "" {
		cfg.Server.Addr = flags.addr
	}
	if flags.storageDir != "" {
		cfg.Server.StorageDir = flags.storageDir
	}
	logger := cfg.Logger(os.Stderr)
	logger.Debug("config loaded", slog.String("path", path))
	return cfg, logger, nil
}

func serve(ctx context.Context, flags *rootFlags) error {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return err
	}

	var storage ftserver.Storage
	if dir := cfg.Server.StorageDir; dir != "" {
		ds, err := ftserver.NewDirStorage(dir)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		storage = ds
	}

	srv := ftserver.New(cfg.ServerOptions(storage, logger))
	hs := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("file transfer server listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("auth", cfg.Server.Auth),
		)
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("file transfer server stopped")
	return nil
}

func newTokenCmd(flags *rootFlags) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token accepted by the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret is not configured")
			}
			tok, err := ftserver.New(cfg.ServerOptions(nil, logger)).IssueToken(args[0], ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

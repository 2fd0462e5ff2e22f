package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lucasew/dbregistry/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Opens engines and serves registry diagnostics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		registryCfg, err := registryConfig()
		if err != nil {
			return err
		}
		healthTimeout, err := durationSetting("health-timeout")
		if err != nil {
			return err
		}

		cfg := app.Config{
			Port:          viper.GetInt("port"),
			URLs:          viper.GetStringSlice("url"),
			Registry:      registryCfg,
			HealthTimeout: healthTimeout,
		}

		server, cleanup, err := app.NewServer(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		slog.Info("Shutting down diagnostics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to run the diagnostics server on")
	serveCmd.Flags().StringSlice("url", []string{}, "Engine URLs to open at startup")
	serveCmd.Flags().Duration("health-timeout", 5*time.Second, "Timeout for the /healthz ping")

	mustBindPFlag("port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("url", serveCmd.Flags().Lookup("url"))
	mustBindPFlag("health-timeout", serveCmd.Flags().Lookup("health-timeout"))
}

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/anime-shed/growth-kiosk/internal/container"
	"github.com/anime-shed/growth-kiosk/internal/logger"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var noCamera bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kiosk operator API, preview stream and event stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&noCamera, "no-camera", false, "do not open the camera on start; wait for /session/start")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	c, err := container.NewContainer(ctx, cfg)
	if err != nil {
		return err
	}

	// No WriteTimeout: preview and event streams are long-lived
	server := &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"address":      cfg.ServerAddress(),
			"timeout":      cfg.RequestTimeout,
			"analysis_url": cfg.CaptureURL(),
		}).Info("Starting HTTP server")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if !noCamera {
		if err := c.Machine().Start(ctx); err != nil {
			// Reported to the operator, who retries from the UI
			logger.WithError(err).Warn("Camera did not start")
		}
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			c.Close()
			return err
		}
	}

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Release the camera first so streaming clients see the end of the preview
	if err := c.Close(); err != nil {
		logger.WithError(err).Warn("Workflow teardown reported an error")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		return err
	}

	logger.Info("Server exited")
	return nil
}

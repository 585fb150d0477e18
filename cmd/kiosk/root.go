package main

import (
	"fmt"
	"os"

	"github.com/anime-shed/growth-kiosk/internal/config"
	"github.com/anime-shed/growth-kiosk/internal/logger"

	"github.com/spf13/cobra"
)

// Version is the application version.
const Version = "1.0.0"

var (
	cfg *config.Config

	configPath string
	dbURL      string
)

var rootCmd = &cobra.Command{
	Use:     "kiosk",
	Short:   "Child growth screening kiosk",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			if err := os.Setenv("KIOSK_CONFIG", configPath); err != nil {
				return err
			}
		}

		var err error
		cfg, err = config.LoadFromEnv()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if dbURL != "" {
			cfg.DatabaseURL = dbURL
		}
		logger.SetLevel(cfg.LogLevel)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides KIOSK_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: DATABASE_URL, in-memory when empty)")
}

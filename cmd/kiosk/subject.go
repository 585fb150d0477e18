package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/anime-shed/growth-kiosk/internal/factory"
	"github.com/anime-shed/growth-kiosk/pkg/models"
	"github.com/anime-shed/growth-kiosk/pkg/validation"

	"github.com/spf13/cobra"
)

var subjectCmd = &cobra.Command{
	Use:   "subject",
	Short: "Manage subject records in the database",
}

var subjectPutCmd = &cobra.Command{
	Use:   "put <id> <name> <age-years> <gender>",
	Short: "Create or replace a subject",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		var age int
		if _, err := fmt.Sscanf(args[2], "%d", &age); err != nil || age < 0 {
			return fmt.Errorf("invalid age %q", args[2])
		}
		subject := models.Subject{ID: args[0], Name: args[1], AgeYears: age, Gender: args[3], Active: true}
		if err := validation.ValidateSubjectID(subject.ID); err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("subject put needs a database: set --db or DATABASE_URL")
		}

		repo, err := factory.NewRepositoryFactory().CreateRepository(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer repo.Close()

		if err := repo.PutSubject(cmd.Context(), subject); err != nil {
			return err
		}
		fmt.Printf("Subject %s saved.\n", subject.ID)
		return nil
	},
}

var subjectGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a subject",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := factory.NewRepositoryFactory(cfg.Subjects...).CreateRepository(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer repo.Close()

		subject, err := repo.GetSubject(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(subject)
	},
}

func init() {
	subjectCmd.AddCommand(subjectPutCmd, subjectGetCmd)
	rootCmd.AddCommand(subjectCmd)
}

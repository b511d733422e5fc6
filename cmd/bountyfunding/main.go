// Package main запускает сервис bountyfunding.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bountyfunding/bountyfunding/internal/config"
	"github.com/bountyfunding/bountyfunding/internal/repository"
	"github.com/bountyfunding/bountyfunding/internal/service"
)

// version задаётся при сборке через -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "bountyfunding",
		Short:         "Bounty funding service for issue trackers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print service version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func migrateCmd() *cobra.Command {
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Load(cmd.Flags(), &cfg); err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}

			logger, err := newLogger(cfg.Debug)
			if err != nil {
				return err
			}
			defer logger.Sync()

			repo, err := openRepository(cfg.DatabaseURI)
			if err != nil {
				return fmt.Errorf("database initialization error: %w", err)
			}

			logger.Info("migrations applied", zap.String("database", redactURI(cfg.DatabaseURI)))
			return repo.Close()
		},
	}

	config.BindFlags(cmd.Flags(), &cfg)
	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// openRepository выбирает хранилище по схеме адреса базы данных.
func openRepository(uri string) (service.Repository, error) {
	if path, ok := repository.SQLitePath(uri); ok {
		repo, err := repository.NewSQLiteRepository(path)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}

	repo, err := repository.NewPostgresRepository(uri)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// redactURI скрывает пароль в адресе базы данных перед записью в лог.
func redactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<invalid uri>"
	}
	return u.Redacted()
}

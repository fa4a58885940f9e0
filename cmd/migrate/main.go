package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"genledger/internal/infra"
)

func main() {
	_ = godotenv.Load()

	steps := flag.Int("steps", 1, "number of migrations to roll back with down")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: migrate [-steps n] up|down|version")
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	logger := infra.NewLogger(cfg, "migrate")
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("migrate: DATABASE_URL is required")
	}

	switch flag.Arg(0) {
	case "up":
		if err := infra.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
			logger.Fatal().Err(err).Msg("migrate: up failed")
		}
		logger.Info().Str("path", cfg.MigrationsPath).Msg("migrate: up to date")
	case "down":
		if err := infra.RollbackMigrations(cfg.DatabaseURL, cfg.MigrationsPath, *steps); err != nil {
			logger.Fatal().Err(err).Msg("migrate: down failed")
		}
		logger.Info().Int("steps", *steps).Msg("migrate: rolled back")
	case "version":
		version, dirty, err := infra.MigrationVersion(cfg.DatabaseURL, cfg.MigrationsPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate: version failed")
		}
		fmt.Printf("version %d dirty=%t\n", version, dirty)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

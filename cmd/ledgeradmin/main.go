package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"genledger/internal/adapter/repo"
	"genledger/internal/infra"
)

func main() {
	_ = godotenv.Load()

	root := newRootCmd(func(ctx context.Context) (*backend, func(), error) {
		cfg, err := infra.LoadConfig()
		if err != nil {
			return nil, nil, err
		}
		if cfg.StoreDriver != infra.StoreDriverPostgres {
			return nil, nil, fmt.Errorf("ledgeradmin needs STORE_DRIVER=postgres, got %q", cfg.StoreDriver)
		}
		logger := infra.NewLogger(cfg, "ledgeradmin")
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		runner := infra.NewSQLRunner(pool, logger)
		return &backend{
			ledger:    repo.NewLedgerRepository(runner, logger),
			jobs:      repo.NewJobRepository(runner),
			jwtSecret: cfg.JWTSecret,
		}, pool.Close, nil
	})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

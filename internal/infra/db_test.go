package infra

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestApplyPoolLimits(t *testing.T) {
	poolCfg, err := pgxpool.ParseConfig("postgres://genledger@localhost:5432/genledger")
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	applyPoolLimits(poolCfg, &Config{DBMaxConns: 24, DBMinConns: 2, DBMaxConnLifetime: 15 * time.Minute})

	if poolCfg.MaxConns != 24 {
		t.Fatalf("MaxConns = %d, want 24", poolCfg.MaxConns)
	}
	if poolCfg.MinConns != 2 {
		t.Fatalf("MinConns = %d, want 2", poolCfg.MinConns)
	}
	if poolCfg.MaxConnLifetime != 15*time.Minute {
		t.Fatalf("MaxConnLifetime = %v, want 15m", poolCfg.MaxConnLifetime)
	}
}

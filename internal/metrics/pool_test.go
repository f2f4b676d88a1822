package metrics

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterPoolMetrics(t *testing.T) {
	// Pools connect lazily, so an unreachable DSN still reports stats.
	pool, err := pgxpool.New(context.Background(), "postgres://127.0.0.1:1/none")
	if err != nil {
		t.Skipf("unable to create pgxpool: %v", err)
	}
	defer pool.Close()

	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, pool)

	expected := fmt.Sprintf(`
# HELP flagsync_snapshot_db_pool_acquired Snapshot store connections currently acquired.
# TYPE flagsync_snapshot_db_pool_acquired gauge
flagsync_snapshot_db_pool_acquired 0
# HELP flagsync_snapshot_db_pool_max Maximum snapshot store connections.
# TYPE flagsync_snapshot_db_pool_max gauge
flagsync_snapshot_db_pool_max %d
`, pool.Stat().MaxConns())

	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"flagsync_snapshot_db_pool_acquired",
		"flagsync_snapshot_db_pool_max",
	); err != nil {
		t.Errorf("unexpected metrics output:\n%v", err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if len(mfs) != 4 {
		t.Errorf("expected 4 metric families, got %d", len(mfs))
	}
}

//go:build integration

package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/definitions"
	"github.com/matt-riley/flagsync/internal/remote"
	"github.com/matt-riley/flagsync/internal/snapshot"
	"github.com/matt-riley/flagsync/migrations"
)

var (
	testPool *pgxpool.Pool
	testDB   *sql.DB
)

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "flagsync_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/flagsync_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/flagsync_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	testDB, err = sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() {
		if err := testDB.Close(); err != nil {
			log.Printf("close db after migrations: %v", err)
		}
	}()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(testDB, "."); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

func resetSnapshots(t *testing.T) {
	t.Helper()
	if _, err := testPool.Exec(context.Background(), `TRUNCATE feature_snapshots`); err != nil {
		t.Fatalf("truncate feature_snapshots: %v", err)
	}
}

func checkoutDefinitions() []core.FeatureDefinition {
	return []core.FeatureDefinition{
		{Key: "banner"},
		{Key: "checkout", Filters: []core.FilterConfig{{Name: core.FilterPercentage, Parameters: map[string]string{"Value": "25"}}}, Metrics: []string{"conversion"}},
	}
}

func TestPostgresSnapshotRoundTrip(t *testing.T) {
	resetSnapshots(t)
	ctx := context.Background()
	store := snapshot.NewPostgres(testPool, snapshot.Scope{AppKey: "app", Environment: "Production"})

	if _, err := store.Load(ctx); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("Load() before save error = %v, want ErrNotFound", err)
	}

	want := checkoutDefinitions()
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !core.EqualDefinitions(got, want) {
		t.Fatalf("Load() = %+v, want %+v", got, want)
	}

	replaced := want[:1]
	if err := store.Save(ctx, replaced); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}
	got, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() after replace error = %v", err)
	}
	if !core.EqualDefinitions(got, replaced) {
		t.Fatalf("Load() after replace = %+v, want %+v", got, replaced)
	}

	var rows int
	if err := testPool.QueryRow(ctx, `SELECT COUNT(*) FROM feature_snapshots`).Scan(&rows); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if rows != 1 {
		t.Fatalf("rows = %d, want 1", rows)
	}
}

func TestPostgresSnapshotScoping(t *testing.T) {
	resetSnapshots(t)
	ctx := context.Background()
	prod := snapshot.NewPostgres(testPool, snapshot.Scope{AppKey: "app", Environment: "Production"})
	staging := snapshot.NewPostgres(testPool, snapshot.Scope{AppKey: "app", Environment: "Staging"})

	if err := prod.Save(ctx, checkoutDefinitions()); err != nil {
		t.Fatalf("Save(prod) error = %v", err)
	}
	if _, err := staging.Load(ctx); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("Load(staging) error = %v, want ErrNotFound", err)
	}
}

type unavailableFetcher struct{}

func (unavailableFetcher) Fetch(context.Context, string) (remote.FetchResult, error) {
	return remote.FetchResult{}, &remote.APIError{StatusCode: 503, Message: "unavailable"}
}

func (unavailableFetcher) LiveUpdateURL(context.Context) (string, error) {
	return "", errors.New("unavailable")
}

func TestSourceFallsBackToPostgresSnapshot(t *testing.T) {
	resetSnapshots(t)
	ctx := context.Background()
	store := snapshot.NewPostgres(testPool, snapshot.Scope{AppKey: "app", Environment: "Production"})
	if err := store.Save(ctx, checkoutDefinitions()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	src := definitions.New(unavailableFetcher{},
		definitions.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		definitions.WithSnapshotStore(store),
	)
	defer func() { _ = src.Close() }()
	src.Start(ctx)
	<-src.Ready()

	if !src.Degraded() {
		t.Fatal("Degraded() = false, want true after fallback")
	}
	set := src.Snapshot(ctx)
	if set.Len() != 2 {
		t.Fatalf("definitions = %d, want 2", set.Len())
	}
	if got := set.FeaturesForMetric("conversion"); len(got) != 1 || got[0] != "checkout" {
		t.Fatalf("FeaturesForMetric(conversion) = %v, want [checkout]", got)
	}
}

func TestMigrationsAreReversible(t *testing.T) {
	if err := goose.Down(testDB, "."); err != nil {
		t.Fatalf("goose.Down() error = %v", err)
	}
	if err := goose.Up(testDB, "."); err != nil {
		t.Fatalf("goose.Up() error = %v", err)
	}
	version, err := goose.GetDBVersion(testDB)
	if err != nil {
		t.Fatalf("GetDBVersion() error = %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
}

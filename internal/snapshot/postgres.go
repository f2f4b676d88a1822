package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/matt-riley/flagsync/internal/core"
)

// pgQuerier is the subset of *pgxpool.Pool the store needs.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores snapshots in the feature_snapshots table, one row per
// application and environment.
type Postgres struct {
	db    pgQuerier
	scope Scope
}

// NewPostgres returns a store backed by db, normally a *pgxpool.Pool.
func NewPostgres(db pgQuerier, scope Scope) *Postgres {
	return &Postgres{db: db, scope: scope}
}

func (p *Postgres) Save(ctx context.Context, defs []core.FeatureDefinition) error {
	payload, err := encode(p.scope, defs, nowUTC())
	if err != nil {
		return err
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO feature_snapshots (app_key, environment, payload, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (app_key, environment)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
	`, p.scope.AppKey, p.scope.Environment, payload)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context) ([]core.FeatureDefinition, error) {
	var payload []byte
	err := p.db.QueryRow(ctx, `
		SELECT payload
		FROM feature_snapshots
		WHERE app_key = $1 AND environment = $2
	`, p.scope.AppKey, p.scope.Environment).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decode(p.scope, payload)
}

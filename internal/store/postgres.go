package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Querier is the subset of pgxpool.Pool used by Postgres.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres keeps records in the deployments table.
type Postgres struct {
	db Querier
}

// NewPostgres creates a store on db.
func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects a pool to databaseURL.
func OpenPostgres(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Get implements Store.
func (p *Postgres) Get(ctx context.Context, network, contract string) (*Record, error) {
	query := `
		SELECT record
		FROM deployments
		WHERE network = $1 AND contract_name = $2`

	var raw []byte
	err := p.db.QueryRow(ctx, query, network, contract).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotFound, contract, network)
	}
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", contract, err)
	}
	return &rec, nil
}

// Save implements Store.
func (p *Postgres) Save(ctx context.Context, network string, chainID uint64, rec *Record) error {
	query := `
		INSERT INTO deployments (
			network, chain_id, contract_name, address, transaction_hash, record, deployed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (network, contract_name) DO UPDATE SET
			chain_id = EXCLUDED.chain_id,
			address = EXCLUDED.address,
			transaction_hash = EXCLUDED.transaction_hash,
			record = EXCLUDED.record,
			deployed_at = EXCLUDED.deployed_at,
			updated_at = NOW()`

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	var txHash *string
	if rec.TransactionHash != nil {
		h := rec.TransactionHash.Hex()
		txHash = &h
	}

	_, err = p.db.Exec(ctx, query,
		network,
		int64(chainID),
		rec.ContractName,
		rec.Address.Hex(),
		txHash,
		raw,
		rec.DeployedAt,
	)
	if err != nil {
		return fmt.Errorf("save %s: %w", rec.ContractName, err)
	}
	return nil
}

// List implements Store.
func (p *Postgres) List(ctx context.Context, network string) ([]*Record, error) {
	query := `
		SELECT record
		FROM deployments
		WHERE network = $1
		ORDER BY contract_name`

	rows, err := p.db.Query(ctx, query, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// MigrateUp applies all pending schema migrations.
func MigrateUp(databaseURL string) error {
	return runMigrations(databaseURL, (*migrate.Migrate).Up)
}

// MigrateDown reverts all schema migrations.
func MigrateDown(databaseURL string) error {
	return runMigrations(databaseURL, (*migrate.Migrate).Down)
}

func runMigrations(databaseURL string, step func(*migrate.Migrate) error) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(databaseURL))
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := step(m); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// migrateURL rewrites a postgres URL to the scheme of the pgx/v5 driver.
func migrateURL(databaseURL string) string {
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(databaseURL, scheme) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, scheme)
		}
	}
	return databaseURL
}

// Package pgdirectory serves vehicle reference data from Postgres for
// deployments where the dispatch back office already keeps drivers,
// vehicles and route slips there.
package pgdirectory

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taxifleet/go-fleet-server/internal/model"
)

// Schema creates the tables read by Directory when they are missing.
const Schema = `
CREATE TABLE IF NOT EXISTS vehicles (
	id TEXT PRIMARY KEY,
	plate TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	year INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS drivers (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	license TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	vehicle_id TEXT REFERENCES vehicles(id) ON DELETE SET NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS route_slips (
	id BIGSERIAL PRIMARY KEY,
	vehicle_id TEXT NOT NULL REFERENCES vehicles(id) ON DELETE CASCADE,
	driver_id TEXT NOT NULL DEFAULT '',
	shift_date DATE NOT NULL,
	amount DOUBLE PRECISION NOT NULL DEFAULT 0,
	paid_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_route_slips_vehicle_date ON route_slips(vehicle_id, shift_date);
`

const profilesQuery = `
SELECT DISTINCT ON (v.id) v.id, v.plate, v.model, COALESCE(d.name, ''),
	NOT EXISTS (
		SELECT 1 FROM route_slips rs
		WHERE rs.vehicle_id = v.id AND rs.shift_date = $1::date AND rs.paid_at IS NULL
	) AS is_paid
FROM vehicles v
LEFT JOIN drivers d ON d.vehicle_id = v.id
WHERE v.id = ANY($2)
ORDER BY v.id, d.name IS NULL, d.id`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Directory implements fleet.Directory over a pgx pool.
type Directory struct {
	pool *pgxpool.Pool
	db   querier
}

// Open connects to url and verifies the connection.
func Open(ctx context.Context, url string) (*Directory, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Directory{pool: pool, db: pool}, nil
}

// EnsureSchema applies Schema.
func (d *Directory) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply directory schema: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (d *Directory) Ping(ctx context.Context) error {
	if d.pool == nil {
		return fmt.Errorf("postgres directory not connected")
	}
	return d.pool.Ping(ctx)
}

// Close releases the pool.
func (d *Directory) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
}

// VehicleProfiles returns reference data for the known vehicles among ids.
// Payment state is evaluated for period's UTC calendar day.
func (d *Directory) VehicleProfiles(ctx context.Context, ids []string, period time.Time) (map[string]model.VehicleProfile, error) {
	out := make(map[string]model.VehicleProfile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	day := period.UTC().Format("2006-01-02")
	rows, err := d.db.Query(ctx, profilesQuery, day, ids)
	if err != nil {
		return nil, fmt.Errorf("query vehicle profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p model.VehicleProfile
		if err := rows.Scan(&p.VehicleID, &p.Plate, &p.Model, &p.DriverName, &p.IsPaid); err != nil {
			return nil, fmt.Errorf("scan vehicle profile: %w", err)
		}
		out[p.VehicleID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vehicle profiles: %w", err)
	}
	return out, nil
}

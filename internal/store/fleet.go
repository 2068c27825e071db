package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"taxifleet/go-fleet-server/internal/model"
)

// ShiftDateLayout is the format of route_slips.shift_date.
const ShiftDateLayout = "2006-01-02"

// UpsertVehicle inserts a vehicle or updates its plate and model.
func (s *Store) UpsertVehicle(ctx context.Context, v model.Vehicle) error {
	if s.db == nil {
		return errNotInitialized
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO vehicles (id, plate, model, year) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET plate = excluded.plate, model = excluded.model, year = excluded.year;`,
		v.ID,
		v.Plate,
		v.Model,
		v.Year,
	)
	if err != nil {
		return fmt.Errorf("upsert vehicle: %w", err)
	}
	return nil
}

// ListVehicles returns every vehicle ordered by id.
func (s *Store) ListVehicles(ctx context.Context) ([]model.Vehicle, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, plate, model, year, created_at FROM vehicles ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("query vehicles: %w", err)
	}
	defer rows.Close()

	var vehicles []model.Vehicle
	for rows.Next() {
		var (
			v         model.Vehicle
			createdAt string
		)
		if err := rows.Scan(&v.ID, &v.Plate, &v.Model, &v.Year, &createdAt); err != nil {
			return nil, fmt.Errorf("scan vehicle: %w", err)
		}
		v.CreatedAt = parseTime(createdAt)
		vehicles = append(vehicles, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vehicles: %w", err)
	}
	return vehicles, nil
}

// UpsertDriver inserts a driver or updates its details and vehicle assignment.
func (s *Store) UpsertDriver(ctx context.Context, d model.Driver) error {
	if s.db == nil {
		return errNotInitialized
	}

	var vehicleID sql.NullString
	if d.VehicleID != "" {
		vehicleID = sql.NullString{String: d.VehicleID, Valid: true}
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO drivers (id, name, license, phone, vehicle_id) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name,
				 license = excluded.license,
				 phone = excluded.phone,
				 vehicle_id = excluded.vehicle_id;`,
		d.ID,
		d.Name,
		d.License,
		d.Phone,
		vehicleID,
	)
	if err != nil {
		return fmt.Errorf("upsert driver: %w", err)
	}
	return nil
}

// ListDrivers returns every driver ordered by id.
func (s *Store) ListDrivers(ctx context.Context) ([]model.Driver, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name, license, phone, vehicle_id, created_at FROM drivers ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("query drivers: %w", err)
	}
	defer rows.Close()

	var drivers []model.Driver
	for rows.Next() {
		var (
			d         model.Driver
			vehicleID sql.NullString
			createdAt string
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.License, &d.Phone, &vehicleID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		d.VehicleID = vehicleID.String
		d.CreatedAt = parseTime(createdAt)
		drivers = append(drivers, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drivers: %w", err)
	}
	return drivers, nil
}

// CreateRouteSlip stores a new unpaid route slip and returns it with its id.
func (s *Store) CreateRouteSlip(ctx context.Context, slip model.RouteSlip) (model.RouteSlip, error) {
	if s.db == nil {
		return model.RouteSlip{}, errNotInitialized
	}

	if _, err := time.Parse(ShiftDateLayout, slip.ShiftDate); err != nil {
		return model.RouteSlip{}, fmt.Errorf("invalid shift_date %q: %w", slip.ShiftDate, err)
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO route_slips (vehicle_id, driver_id, shift_date, amount) VALUES (?, ?, ?, ?);`,
		slip.VehicleID,
		slip.DriverID,
		slip.ShiftDate,
		slip.Amount,
	)
	if err != nil {
		return model.RouteSlip{}, fmt.Errorf("insert route slip: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return model.RouteSlip{}, fmt.Errorf("route slip id: %w", err)
	}
	slip.ID = id
	slip.PaidAt = nil
	return slip, nil
}

// MarkRouteSlipPaid records payment of a slip. Paying twice keeps the first
// payment time.
func (s *Store) MarkRouteSlipPaid(ctx context.Context, id int64, paidAt time.Time) error {
	if s.db == nil {
		return errNotInitialized
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE route_slips SET paid_at = COALESCE(paid_at, ?) WHERE id = ?;`,
		formatTime(paidAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark route slip paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark route slip paid: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRouteSlips returns slips for a shift date, or all slips when date is empty.
func (s *Store) ListRouteSlips(ctx context.Context, date string) ([]model.RouteSlip, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	query := `SELECT id, vehicle_id, driver_id, shift_date, amount, paid_at, created_at FROM route_slips`
	var args []any
	if date != "" {
		query += ` WHERE shift_date = ?`
		args = append(args, date)
	}
	query += ` ORDER BY id;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query route slips: %w", err)
	}
	defer rows.Close()

	var slips []model.RouteSlip
	for rows.Next() {
		var (
			slip      model.RouteSlip
			paidAt    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&slip.ID, &slip.VehicleID, &slip.DriverID, &slip.ShiftDate, &slip.Amount, &paidAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan route slip: %w", err)
		}
		if paidAt.Valid {
			ts := parseTime(paidAt.String)
			slip.PaidAt = &ts
		}
		slip.CreatedAt = parseTime(createdAt)
		slips = append(slips, slip)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate route slips: %w", err)
	}
	return slips, nil
}

// VehicleProfiles joins vehicles with their assigned driver and the payment
// state of the route slips dated on period's calendar day. Vehicles that are
// unknown are absent from the result.
func (s *Store) VehicleProfiles(ctx context.Context, vehicleIDs []string, period time.Time) (map[string]model.VehicleProfile, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}

	out := make(map[string]model.VehicleProfile, len(vehicleIDs))
	if len(vehicleIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(vehicleIDs)), ",")
	args := make([]any, 0, len(vehicleIDs)+1)
	args = append(args, period.UTC().Format(ShiftDateLayout))
	for _, id := range vehicleIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT v.id, v.plate, v.model, COALESCE(d.name, ''),
			(SELECT COUNT(*) FROM route_slips rs
			 WHERE rs.vehicle_id = v.id AND rs.shift_date = ? AND rs.paid_at IS NULL) AS unpaid
		 FROM vehicles v
		 LEFT JOIN drivers d ON d.vehicle_id = v.id
		 WHERE v.id IN (`+placeholders+`)
		 ORDER BY v.id, d.id;`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query vehicle profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p      model.VehicleProfile
			unpaid int
		)
		if err := rows.Scan(&p.VehicleID, &p.Plate, &p.Model, &p.DriverName, &unpaid); err != nil {
			return nil, fmt.Errorf("scan vehicle profile: %w", err)
		}
		p.IsPaid = unpaid == 0
		if prev, ok := out[p.VehicleID]; ok && prev.DriverName != "" {
			continue
		}
		out[p.VehicleID] = p
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vehicle profiles: %w", err)
	}
	return out, nil
}

// UpsertUser stores an account.
func (s *Store) UpsertUser(ctx context.Context, u model.User) error {
	if s.db == nil {
		return errNotInitialized
	}
	if !u.Role.Valid() {
		return fmt.Errorf("upsert user: invalid role %q", u.Role)
	}

	var driverID sql.NullString
	if u.DriverID != "" {
		driverID = sql.NullString{String: u.DriverID, Valid: true}
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO users (username, password_hash, role, driver_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash,
				 role = excluded.role,
				 driver_id = excluded.driver_id;`,
		u.Username,
		u.PasswordHash,
		string(u.Role),
		driverID,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UserByUsername loads an account together with the vehicle assigned to its
// driver, if any.
func (s *Store) UserByUsername(ctx context.Context, username string) (model.User, error) {
	if s.db == nil {
		return model.User{}, errNotInitialized
	}

	var (
		u         model.User
		role      string
		driverID  sql.NullString
		vehicleID sql.NullString
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT u.username, u.password_hash, u.role, u.driver_id, d.vehicle_id
		 FROM users u
		 LEFT JOIN drivers d ON d.id = u.driver_id
		 WHERE u.username = ?;`,
		username,
	).Scan(&u.Username, &u.PasswordHash, &role, &driverID, &vehicleID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("get user: %w", err)
	}

	u.Role = model.Role(role)
	u.DriverID = driverID.String
	u.VehicleID = vehicleID.String
	return u, nil
}

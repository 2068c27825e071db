// Package fixtures seeds reference data from a YAML file so a depot can be
// brought up without the admin API.
package fixtures

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"taxifleet/go-fleet-server/internal/auth"
	"taxifleet/go-fleet-server/internal/model"
)

// File is the on-disk fixture layout.
type File struct {
	Vehicles []Vehicle `yaml:"vehicles"`
	Drivers  []Driver  `yaml:"drivers"`
	Users    []User    `yaml:"users"`
}

type Vehicle struct {
	ID    string `yaml:"id"`
	Plate string `yaml:"plate"`
	Model string `yaml:"model"`
	Year  int    `yaml:"year"`
}

type Driver struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	License   string `yaml:"license"`
	Phone     string `yaml:"phone"`
	VehicleID string `yaml:"vehicle_id"`
}

// User holds a plaintext password that is hashed before it is stored.
type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
	DriverID string `yaml:"driver_id"`
}

// Seeder is the subset of the store written by Apply.
type Seeder interface {
	UpsertVehicle(ctx context.Context, v model.Vehicle) error
	UpsertDriver(ctx context.Context, d model.Driver) error
	UpsertUser(ctx context.Context, u model.User) error
}

// Summary counts the records applied.
type Summary struct {
	Vehicles int
	Drivers  int
	Users    int
}

// Load reads and validates a fixture file.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read fixtures: %w", err)
	}
	return Parse(data)
}

// Parse decodes fixture YAML. Unknown keys are rejected.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parse fixtures: %w", err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks references between sections.
func (f File) Validate() error {
	vehicles := make(map[string]bool, len(f.Vehicles))
	for i, v := range f.Vehicles {
		if strings.TrimSpace(v.ID) == "" || strings.TrimSpace(v.Plate) == "" {
			return fmt.Errorf("fixtures: vehicles[%d]: id and plate are required", i)
		}
		vehicles[v.ID] = true
	}

	drivers := make(map[string]bool, len(f.Drivers))
	for i, d := range f.Drivers {
		if strings.TrimSpace(d.ID) == "" || strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("fixtures: drivers[%d]: id and name are required", i)
		}
		if d.VehicleID != "" && !vehicles[d.VehicleID] {
			return fmt.Errorf("fixtures: driver %s: unknown vehicle %q", d.ID, d.VehicleID)
		}
		drivers[d.ID] = true
	}

	for i, u := range f.Users {
		if strings.TrimSpace(u.Username) == "" || u.Password == "" {
			return fmt.Errorf("fixtures: users[%d]: username and password are required", i)
		}
		role := model.Role(u.Role)
		if !role.Valid() {
			return fmt.Errorf("fixtures: user %s: invalid role %q", u.Username, u.Role)
		}
		if role == model.RoleDriver && !drivers[u.DriverID] {
			return fmt.Errorf("fixtures: user %s: driver accounts need a known driver_id", u.Username)
		}
	}
	return nil
}

// Apply upserts every record in dependency order.
func Apply(ctx context.Context, s Seeder, f File) (Summary, error) {
	var sum Summary

	for _, v := range f.Vehicles {
		if err := s.UpsertVehicle(ctx, model.Vehicle{ID: v.ID, Plate: v.Plate, Model: v.Model, Year: v.Year}); err != nil {
			return sum, fmt.Errorf("seed vehicle %s: %w", v.ID, err)
		}
		sum.Vehicles++
	}

	for _, d := range f.Drivers {
		driver := model.Driver{ID: d.ID, Name: d.Name, License: d.License, Phone: d.Phone, VehicleID: d.VehicleID}
		if err := s.UpsertDriver(ctx, driver); err != nil {
			return sum, fmt.Errorf("seed driver %s: %w", d.ID, err)
		}
		sum.Drivers++
	}

	for _, u := range f.Users {
		hash, err := auth.HashPassword(u.Password)
		if err != nil {
			return sum, fmt.Errorf("seed user %s: %w", u.Username, err)
		}
		user := model.User{Username: u.Username, PasswordHash: hash, Role: model.Role(u.Role), DriverID: u.DriverID}
		if err := s.UpsertUser(ctx, user); err != nil {
			return sum, fmt.Errorf("seed user %s: %w", u.Username, err)
		}
		sum.Users++
	}

	return sum, nil
}

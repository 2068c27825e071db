package model

import "time"

// Status is the reporting state of a vehicle's client device.
type Status string

const (
	StatusActive  Status = "active"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusOffline
}

// Role gates access to the HTTP API.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleDispatcher Role = "dispatcher"
	RoleDriver     Role = "driver"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDispatcher, RoleDriver:
		return true
	}
	return false
}

// LocationReport is the latest position of a single vehicle. It lives only
// in the in-memory live store; the server sets Timestamp at ingestion.
type LocationReport struct {
	VehicleID string    `json:"vehicleId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Speed     float64   `json:"speed"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"-"`
}

// FleetVehicle is a visible report joined with reference data for map clients.
// IsPaid is nil when the payment state is unknown: the vehicle is missing from
// the directory or enrichment failed.
type FleetVehicle struct {
	VehicleID  string  `json:"vehicleId"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Speed      float64 `json:"speed"`
	Status     Status  `json:"status"`
	Timestamp  int64   `json:"timestamp"`
	DriverName string  `json:"driverName"`
	Model      string  `json:"model"`
	Plate      string  `json:"plate"`
	IsPaid     *bool   `json:"isPaid,omitempty"`
}

// VehicleProfile is the reference data used to enrich a live report.
type VehicleProfile struct {
	VehicleID  string
	Plate      string
	Model      string
	DriverName string
	IsPaid     bool
}

// Driver is a taxi driver record.
type Driver struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	License   string    `json:"license,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	VehicleID string    `json:"vehicle_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Vehicle is a taxi in the fleet.
type Vehicle struct {
	ID        string    `json:"id"`
	Plate     string    `json:"plate"`
	Model     string    `json:"model"`
	Year      int       `json:"year,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RouteSlip is a signed daily shift log. PaidAt is nil until the driver
// settles the slip.
type RouteSlip struct {
	ID        int64      `json:"id"`
	VehicleID string     `json:"vehicle_id"`
	DriverID  string     `json:"driver_id"`
	ShiftDate string     `json:"shift_date"`
	Amount    float64    `json:"amount"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// User is an account allowed to call the API.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`
	DriverID     string `json:"driver_id,omitempty"`
	VehicleID    string `json:"vehicle_id,omitempty"`
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	VehicleID string    `json:"vehicle_id"`
	Source    string    `json:"source"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

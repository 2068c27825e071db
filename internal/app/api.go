package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taxifleet/go-fleet-server/internal/auth"
	"taxifleet/go-fleet-server/internal/model"
	"taxifleet/go-fleet-server/internal/store"
	"taxifleet/go-fleet-server/internal/tracking"
)

const (
	maxReportBody = 4 << 10
	maxAdminBody  = 64 << 10

	sourceHTTP = "http"
)

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody)).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	user, err := a.store.UserByUsername(ctx, strings.TrimSpace(req.Username))
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	case err != nil:
		a.logger.Error("login: failed to load user", "error", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, expires, err := a.issuer.Issue(user)
	if err != nil {
		a.logger.Error("login: failed to issue token", "error", err)
		http.Error(w, "login failed", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(a.issuer.TTL().Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	a.logger.Info("user logged in", "user", user.Username, "role", user.Role)
	a.writeJSON(w, http.StatusOK, struct {
		Token     string     `json:"token"`
		ExpiresAt time.Time  `json:"expires_at"`
		Role      model.Role `json:"role"`
		VehicleID string     `json:"vehicle_id,omitempty"`
	}{token, expires, user.Role, user.VehicleID})
}

// handleLogout clears the session cookie. Tokens are stateless, so a bearer
// token stays valid until it expires.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleLocationReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	vehicleID := r.PathValue("vehicleID")
	claims, _ := auth.FromContext(r.Context())
	if !auth.CanReportFor(claims, vehicleID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxReportBody+1))
	if err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if len(payload) > maxReportBody {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	var input tracking.ReportInput
	if err := json.Unmarshal(payload, &input); err != nil {
		a.logger.Warn("location report decode failed", "vehicle", vehicleID, "error", err)
		a.RecordIngestionError(r.Context(), vehicleID, sourceHTTP, payload, err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	report, err := a.ingestor.Ingest(r.Context(), vehicleID, input)
	if err != nil {
		if tracking.IsValidationError(err) {
			a.logger.Warn("location report rejected", "vehicle", vehicleID, "error", err)
			a.RecordIngestionError(r.Context(), vehicleID, sourceHTTP, payload, err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.logger.Error("location report failed", "vehicle", vehicleID, "error", err)
		http.Error(w, "failed to ingest report", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, http.StatusAccepted, struct {
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	}{"accepted", report.Timestamp.UnixMilli()})
}

func (a *App) handleDrivers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		drivers, err := a.store.ListDrivers(ctx)
		if err != nil {
			a.logger.Error("failed to list drivers", "error", err)
			http.Error(w, "failed to load drivers", http.StatusInternalServerError)
			return
		}
		if drivers == nil {
			drivers = []model.Driver{}
		}
		a.writeJSON(w, http.StatusOK, struct {
			Drivers []model.Driver `json:"drivers"`
		}{drivers})
	case http.MethodPost:
		var d model.Driver
		if err := decodeBody(r, &d); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		d.ID, d.Name = strings.TrimSpace(d.ID), strings.TrimSpace(d.Name)
		if d.ID == "" || d.Name == "" {
			http.Error(w, "id and name required", http.StatusBadRequest)
			return
		}
		if err := a.store.UpsertDriver(ctx, d); err != nil {
			a.logger.Error("failed to save driver", "driver", d.ID, "error", err)
			http.Error(w, "failed to save driver", http.StatusInternalServerError)
			return
		}
		a.writeJSON(w, http.StatusCreated, d)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (a *App) handleVehicles(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		vehicles, err := a.store.ListVehicles(ctx)
		if err != nil {
			a.logger.Error("failed to list vehicles", "error", err)
			http.Error(w, "failed to load vehicles", http.StatusInternalServerError)
			return
		}
		if vehicles == nil {
			vehicles = []model.Vehicle{}
		}
		a.writeJSON(w, http.StatusOK, struct {
			Vehicles []model.Vehicle `json:"vehicles"`
		}{vehicles})
	case http.MethodPost:
		var v model.Vehicle
		if err := decodeBody(r, &v); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		v.ID, v.Plate = strings.TrimSpace(v.ID), strings.TrimSpace(v.Plate)
		if v.ID == "" || v.Plate == "" {
			http.Error(w, "id and plate required", http.StatusBadRequest)
			return
		}
		if err := a.store.UpsertVehicle(ctx, v); err != nil {
			a.logger.Error("failed to save vehicle", "vehicle", v.ID, "error", err)
			http.Error(w, "failed to save vehicle", http.StatusInternalServerError)
			return
		}
		a.writeJSON(w, http.StatusCreated, v)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (a *App) handleRouteSlips(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		date := r.URL.Query().Get("date")
		if date == "today" {
			date = a.clock.Now().UTC().Format(store.ShiftDateLayout)
		}
		if date != "" {
			if _, err := time.Parse(store.ShiftDateLayout, date); err != nil {
				http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
				return
			}
		}
		slips, err := a.store.ListRouteSlips(ctx, date)
		if err != nil {
			a.logger.Error("failed to list route slips", "error", err)
			http.Error(w, "failed to load route slips", http.StatusInternalServerError)
			return
		}
		if slips == nil {
			slips = []model.RouteSlip{}
		}
		a.writeJSON(w, http.StatusOK, struct {
			RouteSlips []model.RouteSlip `json:"route_slips"`
		}{slips})
	case http.MethodPost:
		var slip model.RouteSlip
		if err := decodeBody(r, &slip); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		if slip.ShiftDate == "" {
			slip.ShiftDate = a.clock.Now().UTC().Format(store.ShiftDateLayout)
		}
		if _, err := time.Parse(store.ShiftDateLayout, slip.ShiftDate); err != nil {
			http.Error(w, "shift_date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(slip.VehicleID) == "" {
			http.Error(w, "vehicle_id required", http.StatusBadRequest)
			return
		}
		created, err := a.store.CreateRouteSlip(ctx, slip)
		if err != nil {
			a.logger.Error("failed to create route slip", "vehicle", slip.VehicleID, "error", err)
			http.Error(w, "failed to create route slip", http.StatusInternalServerError)
			return
		}
		a.writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (a *App) handlePayRouteSlip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid route slip id", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	paidAt := a.clock.Now()
	switch err := a.store.MarkRouteSlipPaid(ctx, id, paidAt); {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "route slip not found", http.StatusNotFound)
		return
	case err != nil:
		a.logger.Error("failed to mark route slip paid", "id", id, "error", err)
		http.Error(w, "failed to record payment", http.StatusInternalServerError)
		return
	}

	a.logger.Info("route slip paid", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleIngestionErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 500 {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	entries, err := a.store.RecentIngestionErrors(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load ingestion errors", "error", err)
		http.Error(w, "failed to load ingestion errors", http.StatusInternalServerError)
		return
	}

	a.writeJSON(w, http.StatusOK, struct {
		Errors []model.IngestionError `json:"errors"`
	}{entries})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

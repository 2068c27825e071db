package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"taxifleet/go-fleet-server/internal/auth"
	"taxifleet/go-fleet-server/internal/distribution"
	"taxifleet/go-fleet-server/internal/model"
)

func (a *App) routes() http.Handler {
	authn := a.issuer.Authenticate
	admin := func(h http.HandlerFunc) http.Handler {
		return authn(auth.RequireRole(h, model.RoleAdmin))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)

	mux.HandleFunc("/api/auth/login", a.handleLogin)
	mux.HandleFunc("/api/auth/logout", a.handleLogout)

	mux.Handle("/api/vehicles/{vehicleID}/location", authn(http.HandlerFunc(a.handleLocationReport)))
	mux.Handle("/api/fleet/locations", authn(distribution.PollHandler(a.broadcaster, a.broadcaster.Interval(), a.logger)))
	mux.Handle("/ws/fleet", authn(distribution.NewWebSocketHandler(a.broadcaster, a.logger)))

	mux.Handle("/api/drivers", admin(a.handleDrivers))
	mux.Handle("/api/vehicles", admin(a.handleVehicles))
	mux.Handle("/api/route-slips", admin(a.handleRouteSlips))
	mux.Handle("/api/route-slips/{id}/pay", admin(a.handlePayRouteSlip))
	mux.Handle("/api/ingestion-errors", admin(a.handleIngestionErrors))
	mux.Handle("/api/config", admin(a.handleConfig))

	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || !a.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: store ping failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"store unavailable"}`))
		return
	}
	if a.pgDirectory != nil {
		if err := a.pgDirectory.Ping(ctx); err != nil {
			a.logger.Warn("readiness: directory ping failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"directory unavailable"}`))
			return
		}
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.serveConfig(w, r)
	case http.MethodPost:
		a.updateConfig(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) serveConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.logger.Error("failed to load app config", "error", err)
		http.Error(w, "failed to load config", http.StatusInternalServerError)
		return
	}

	response := struct {
		Active    map[string]any    `json:"active"`
		Persisted map[string]string `json:"persisted"`
	}{
		Active:    a.cfg.Active(),
		Persisted: persisted,
	}

	a.writeJSON(w, http.StatusOK, response)
}

// updateConfig persists overrides that take effect on the next start.
func (a *App) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HTTPPort     *int    `json:"http_port"`
		StaleAfter   *string `json:"stale_after"`
		PushInterval *string `json:"push_interval"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	type updateResult struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	var updates []updateResult

	if req.HTTPPort != nil {
		port := *req.HTTPPort
		if port < 1 || port > 65535 {
			http.Error(w, "http_port must be between 1 and 65535", http.StatusBadRequest)
			return
		}
		updates = append(updates, updateResult{Key: "http_port", Value: strconv.Itoa(port)})
	}

	durations := []struct {
		key   string
		value *string
	}{
		{"stale_after", req.StaleAfter},
		{"push_interval", req.PushInterval},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.value)
		if err != nil || parsed <= 0 {
			http.Error(w, d.key+" must be a positive duration", http.StatusBadRequest)
			return
		}
		updates = append(updates, updateResult{Key: d.key, Value: parsed.String()})
	}

	if len(updates) == 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"no supported fields provided"}`))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, u := range updates {
		if err := a.store.UpsertAppConfig(ctx, u.Key, u.Value); err != nil {
			a.logger.Error("failed to update app config", "key", u.Key, "error", err)
			http.Error(w, "failed to persist config", http.StatusInternalServerError)
			return
		}
	}

	resp := struct {
		Updates         []updateResult `json:"updates"`
		RequiresRestart bool           `json:"requires_restart"`
	}{
		Updates:         updates,
		RequiresRestart: true,
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

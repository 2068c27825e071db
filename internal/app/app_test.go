package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"taxifleet/go-fleet-server/internal/auth"
	"taxifleet/go-fleet-server/internal/clock"
	"taxifleet/go-fleet-server/internal/config"
	"taxifleet/go-fleet-server/internal/model"
)

const testFixtures = `
vehicles:
  - id: V1
    plate: PG-101-AB
    model: Skoda Octavia
  - id: V2
    plate: PG-202-CD
    model: Toyota Prius
drivers:
  - id: D1
    name: Marko Petrovic
    vehicle_id: V1
  - id: D2
    name: Ana Jovanovic
    vehicle_id: V2
users:
  - username: admin
    password: admin-pass
    role: admin
  - username: dispatch
    password: dispatch-pass
    role: dispatcher
  - username: marko
    password: marko-pass
    role: driver
    driver_id: D1
  - username: ana
    password: ana-pass
    role: driver
    driver_id: D2
`

type testEnv struct {
	t     *testing.T
	app   *App
	srv   *httptest.Server
	clock *clock.Fake
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	fixturesPath := filepath.Join(dir, "fixtures.yaml")
	if err := os.WriteFile(fixturesPath, []byte(testFixtures), 0o600); err != nil {
		t.Fatalf("write fixtures: %v", err)
	}

	cfg := config.Config{
		DatabasePath: filepath.Join(dir, "fleet.db"),
		JWTSecret:    "test-secret",
		FixturesPath: fixturesPath,
	}
	config.ApplyDefaults(&cfg)

	clk := clock.NewFake(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	a := New(cfg, nil, WithClock(clk))
	if err := a.init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	a.ready.Store(true)

	srv := httptest.NewServer(a.routes())
	t.Cleanup(func() {
		srv.Close()
		a.close()
	})

	return &testEnv{t: t, app: a, srv: srv, clock: clk}
}

func (e *testEnv) do(method, path, token string, body any) *http.Response {
	e.t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			e.t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		e.t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := e.srv.Client().Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	e.t.Cleanup(func() { res.Body.Close() })
	return res
}

func (e *testEnv) login(username, password string) string {
	e.t.Helper()
	res := e.do(http.MethodPost, "/api/auth/login", "", map[string]string{"username": username, "password": password})
	if res.StatusCode != http.StatusOK {
		e.t.Fatalf("login %s: status %d", username, res.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	decode(e.t, res, &body)
	return body.Token
}

func (e *testEnv) fleet(token string) []model.FleetVehicle {
	e.t.Helper()
	res := e.do(http.MethodGet, "/api/fleet/locations", token, nil)
	if res.StatusCode != http.StatusOK {
		e.t.Fatalf("fleet: status %d", res.StatusCode)
	}
	var vehicles []model.FleetVehicle
	decode(e.t, res, &vehicles)
	return vehicles
}

func decode(t *testing.T, res *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func report(lat, lng, speed float64) map[string]any {
	return map[string]any{"lat": lat, "lng": lng, "speed": speed, "status": "active"}
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t)

	res := e.do(http.MethodPost, "/api/auth/login", "", map[string]string{"username": "marko", "password": "marko-pass"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	var body struct {
		Token     string     `json:"token"`
		Role      model.Role `json:"role"`
		VehicleID string     `json:"vehicle_id"`
	}
	decode(t, res, &body)
	if body.Token == "" || body.Role != model.RoleDriver || body.VehicleID != "V1" {
		t.Fatalf("unexpected login body %+v", body)
	}

	var cookie *http.Cookie
	for _, c := range res.Cookies() {
		if c.Name == auth.CookieName {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != body.Token || !cookie.HttpOnly {
		t.Fatalf("session cookie not set: %+v", cookie)
	}
	if cookie.MaxAge != int(config.DefaultTokenTTL.Seconds()) {
		t.Fatalf("cookie max-age = %d, want token lifetime", cookie.MaxAge)
	}

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "marko", "nope"},
		{"unknown user", "ghost", "marko-pass"},
	}
	for _, tt := range tests {
		res := e.do(http.MethodPost, "/api/auth/login", "", map[string]string{"username": tt.username, "password": tt.password})
		if res.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", tt.name, res.StatusCode)
		}
	}

	if res := e.do(http.MethodGet, "/api/auth/login", "", nil); res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.StatusCode)
	}
}

func TestLogoutClearsCookie(t *testing.T) {
	e := newTestEnv(t)

	res := e.do(http.MethodPost, "/api/auth/logout", "", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status %d", res.StatusCode)
	}
	for _, c := range res.Cookies() {
		if c.Name == auth.CookieName && c.MaxAge < 0 {
			return
		}
	}
	t.Fatal("expected expired session cookie")
}

func TestReportThenQuery(t *testing.T) {
	e := newTestEnv(t)
	driver := e.login("marko", "marko-pass")
	viewer := e.login("dispatch", "dispatch-pass")

	res := e.do(http.MethodPost, "/api/vehicles/V1/location", driver, report(42.44, 19.26, 35))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("report: status %d", res.StatusCode)
	}
	var ack struct {
		Status    string `json:"status"`
		Timestamp int64  `json:"timestamp"`
	}
	decode(t, res, &ack)
	if ack.Timestamp != e.clock.Now().UnixMilli() {
		t.Fatalf("timestamp must come from the server clock, got %d", ack.Timestamp)
	}

	vehicles := e.fleet(viewer)
	if len(vehicles) != 1 {
		t.Fatalf("expected 1 vehicle, got %d", len(vehicles))
	}
	v := vehicles[0]
	if v.VehicleID != "V1" || v.Lat != 42.44 || v.Speed != 35 {
		t.Fatalf("unexpected position %+v", v)
	}
	if v.Plate != "PG-101-AB" || v.DriverName != "Marko Petrovic" || v.IsPaid == nil || !*v.IsPaid {
		t.Fatalf("unexpected enrichment %+v", v)
	}
}

func TestStaleVehiclesDisappear(t *testing.T) {
	e := newTestEnv(t)
	driver := e.login("marko", "marko-pass")
	viewer := e.login("dispatch", "dispatch-pass")

	e.do(http.MethodPost, "/api/vehicles/V1/location", driver, report(1, 1, 0))

	e.clock.Advance(10 * time.Second)
	if n := len(e.fleet(viewer)); n != 1 {
		t.Fatalf("expected vehicle visible at 10s, got %d", n)
	}

	e.clock.Advance(30 * time.Second)
	if n := len(e.fleet(viewer)); n != 0 {
		t.Fatalf("expected vehicle hidden at 40s, got %d", n)
	}
	if e.app.live.Len() != 1 {
		t.Fatal("hiding a stale vehicle must not require eviction")
	}
}

func TestOfflineReportHidesVehicle(t *testing.T) {
	e := newTestEnv(t)
	driver := e.login("marko", "marko-pass")
	viewer := e.login("dispatch", "dispatch-pass")

	e.do(http.MethodPost, "/api/vehicles/V1/location", driver, report(1, 1, 0))
	e.clock.Advance(2 * time.Second)

	res := e.do(http.MethodPost, "/api/vehicles/V1/location", driver, map[string]any{"status": "offline"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("offline report: status %d", res.StatusCode)
	}
	if n := len(e.fleet(viewer)); n != 0 {
		t.Fatalf("expected offline vehicle hidden, got %d", n)
	}
}

func TestReportAuthorization(t *testing.T) {
	e := newTestEnv(t)
	marko := e.login("marko", "marko-pass")
	dispatcher := e.login("dispatch", "dispatch-pass")

	tests := []struct {
		name   string
		path   string
		token  string
		status int
	}{
		{"no token", "/api/vehicles/V1/location", "", http.StatusUnauthorized},
		{"garbage token", "/api/vehicles/V1/location", "not-a-jwt", http.StatusUnauthorized},
		{"other vehicle", "/api/vehicles/V2/location", marko, http.StatusForbidden},
		{"not a driver", "/api/vehicles/V1/location", dispatcher, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.do(http.MethodPost, tt.path, tt.token, report(1, 1, 0))
			if res.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, res.StatusCode)
			}
		})
	}

	if e.app.live.Len() != 0 {
		t.Fatal("unauthorized reports must not reach the live store")
	}
}

func TestInvalidReportIsRecorded(t *testing.T) {
	e := newTestEnv(t)
	driver := e.login("marko", "marko-pass")
	admin := e.login("admin", "admin-pass")

	tests := []struct {
		name string
		body any
	}{
		{"missing coordinates", map[string]any{"status": "active", "speed": 3}},
		{"out of range", report(120, 1, 0)},
		{"negative speed", report(1, 1, -4)},
		{"malformed json", `{"lat":`},
	}
	for _, tt := range tests {
		res := e.do(http.MethodPost, "/api/vehicles/V1/location", driver, tt.body)
		if res.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tt.name, res.StatusCode)
		}
	}
	if e.app.live.Len() != 0 {
		t.Fatal("rejected reports must not reach the live store")
	}

	res := e.do(http.MethodGet, "/api/ingestion-errors", admin, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ingestion errors: status %d", res.StatusCode)
	}
	var body struct {
		Errors []model.IngestionError `json:"errors"`
	}
	decode(t, res, &body)
	if len(body.Errors) != len(tests) {
		t.Fatalf("expected %d recorded errors, got %d", len(tests), len(body.Errors))
	}
	if body.Errors[0].Source != sourceHTTP || body.Errors[0].VehicleID != "V1" {
		t.Fatalf("unexpected entry %+v", body.Errors[0])
	}
}

func TestCookieSessionCanQuery(t *testing.T) {
	e := newTestEnv(t)
	token := e.login("dispatch", "dispatch-pass")

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/fleet/locations", nil)
	req.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	res, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}
	if res.Header.Get("X-Poll-Interval") != "5000" {
		t.Fatalf("unexpected poll interval %q", res.Header.Get("X-Poll-Interval"))
	}
	body, _ := io.ReadAll(res.Body)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("expected empty array, got %s", body)
	}
}

func TestRouteSlipPaymentDrivesIsPaid(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login("admin", "admin-pass")
	driver := e.login("ana", "ana-pass")
	viewer := e.login("dispatch", "dispatch-pass")

	res := e.do(http.MethodPost, "/api/route-slips", admin, map[string]any{"vehicle_id": "V2", "driver_id": "D2", "amount": 25})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create slip: status %d", res.StatusCode)
	}
	var slip model.RouteSlip
	decode(t, res, &slip)
	if slip.ID == 0 || slip.ShiftDate != "2026-05-04" {
		t.Fatalf("unexpected slip %+v", slip)
	}

	e.do(http.MethodPost, "/api/vehicles/V2/location", driver, report(2, 2, 10))
	if v := e.fleet(viewer); len(v) != 1 || v[0].IsPaid == nil || *v[0].IsPaid {
		t.Fatalf("expected unpaid vehicle, got %+v", v)
	}

	res = e.do(http.MethodPost, "/api/route-slips/"+itoa(slip.ID)+"/pay", admin, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("pay: status %d", res.StatusCode)
	}
	if v := e.fleet(viewer); len(v) != 1 || v[0].IsPaid == nil || !*v[0].IsPaid {
		t.Fatalf("expected paid vehicle, got %+v", v)
	}

	if res := e.do(http.MethodPost, "/api/route-slips/9999/pay", admin, nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
	if res := e.do(http.MethodPost, "/api/route-slips/abc/pay", admin, nil); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}

	res = e.do(http.MethodGet, "/api/route-slips?date=today", admin, nil)
	var list struct {
		RouteSlips []model.RouteSlip `json:"route_slips"`
	}
	decode(t, res, &list)
	if len(list.RouteSlips) != 1 || list.RouteSlips[0].PaidAt == nil {
		t.Fatalf("unexpected slips %+v", list.RouteSlips)
	}
}

func TestAdminEndpoints(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login("admin", "admin-pass")
	dispatcher := e.login("dispatch", "dispatch-pass")

	res := e.do(http.MethodPost, "/api/vehicles", admin, map[string]any{"id": "V3", "plate": "PG-303-EF", "model": "Dacia Logan", "year": 2019})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create vehicle: status %d", res.StatusCode)
	}
	res = e.do(http.MethodPost, "/api/drivers", admin, map[string]any{"id": "D3", "name": "Ivan", "vehicle_id": "V3"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create driver: status %d", res.StatusCode)
	}

	res = e.do(http.MethodGet, "/api/vehicles", admin, nil)
	var vehicles struct {
		Vehicles []model.Vehicle `json:"vehicles"`
	}
	decode(t, res, &vehicles)
	if len(vehicles.Vehicles) != 3 {
		t.Fatalf("expected 3 vehicles, got %d", len(vehicles.Vehicles))
	}

	res = e.do(http.MethodGet, "/api/drivers", admin, nil)
	var drivers struct {
		Drivers []model.Driver `json:"drivers"`
	}
	decode(t, res, &drivers)
	if len(drivers.Drivers) != 3 {
		t.Fatalf("expected 3 drivers, got %d", len(drivers.Drivers))
	}

	invalid := []struct {
		path string
		body any
	}{
		{"/api/vehicles", map[string]any{"id": "V4"}},
		{"/api/drivers", map[string]any{"name": "No ID"}},
		{"/api/vehicles", map[string]any{"id": "V4", "plate": "X", "colour": "red"}},
		{"/api/route-slips", map[string]any{"vehicle_id": "V1", "shift_date": "04/05/2026"}},
	}
	for _, tt := range invalid {
		if res := e.do(http.MethodPost, tt.path, admin, tt.body); res.StatusCode != http.StatusBadRequest {
			t.Errorf("POST %s %v: expected 400, got %d", tt.path, tt.body, res.StatusCode)
		}
	}

	for _, path := range []string{"/api/vehicles", "/api/drivers", "/api/route-slips", "/api/ingestion-errors", "/api/config"} {
		if res := e.do(http.MethodGet, path, dispatcher, nil); res.StatusCode != http.StatusForbidden {
			t.Errorf("GET %s as dispatcher: expected 403, got %d", path, res.StatusCode)
		}
	}

	if res := e.do(http.MethodDelete, "/api/vehicles", admin, nil); res.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.StatusCode)
	}
}

func TestConfigEndpoint(t *testing.T) {
	e := newTestEnv(t)
	admin := e.login("admin", "admin-pass")

	res := e.do(http.MethodGet, "/api/config", admin, nil)
	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	if strings.Contains(string(raw), "test-secret") {
		t.Fatal("config response leaked the jwt secret")
	}

	res = e.do(http.MethodPost, "/api/config", admin, map[string]any{"stale_after": "45s"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update: status %d", res.StatusCode)
	}

	res = e.do(http.MethodGet, "/api/config", admin, nil)
	var body struct {
		Persisted map[string]string `json:"persisted"`
	}
	decode(t, res, &body)
	if body.Persisted["stale_after"] != "45s" {
		t.Fatalf("unexpected persisted config %v", body.Persisted)
	}

	for _, bad := range []map[string]any{{}, {"stale_after": "-1s"}, {"http_port": 70000}} {
		if res := e.do(http.MethodPost, "/api/config", admin, bad); res.StatusCode != http.StatusBadRequest {
			t.Errorf("%v: expected 400, got %d", bad, res.StatusCode)
		}
	}
}

func TestHealthAndReadiness(t *testing.T) {
	e := newTestEnv(t)

	if res := e.do(http.MethodGet, "/healthz", "", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", res.StatusCode)
	}
	if res := e.do(http.MethodGet, "/readyz", "", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %d", res.StatusCode)
	}

	e.app.ready.Store(false)
	if res := e.do(http.MethodGet, "/readyz", "", nil); res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz while starting: %d", res.StatusCode)
	}
}

func TestSweeperEvictsOldEntries(t *testing.T) {
	e := newTestEnv(t)
	driver := e.login("marko", "marko-pass")
	e.do(http.MethodPost, "/api/vehicles/V1/location", driver, report(1, 1, 0))

	e.app.cfg.SweepInterval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.app.runSweeper(ctx)
		close(done)
	}()

	e.clock.Advance(61 * time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for e.app.live.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if e.app.live.Len() != 0 {
		t.Fatal("expected sweeper to evict an entry older than twice the threshold")
	}
}

func TestMDNSHelpers(t *testing.T) {
	if got := sanitizeMDNSInstance(" Taxi.Fleet_Server \n"); strings.ContainsAny(got, "._\n") {
		t.Fatalf("instance not sanitized: %q", got)
	}
	if got := sanitizeMDNSHost("Depot Host_1"); got != "depot-host-1" {
		t.Fatalf("unexpected host %q", got)
	}
	if got := sanitizeMDNSInstance(strings.Repeat("a", 100)); len(got) != 63 {
		t.Fatalf("instance not truncated: %d", len(got))
	}

	a := New(config.Config{HTTPPort: 8080, MQTT: config.MQTTConfig{BrokerURL: "tcp://b:1883", IngestTopic: "taxis/+/location"}}, nil)
	txt := strings.Join(a.mdnsTXT("depot"), ";")
	for _, want := range []string{"http_port=8080", "host=depot.local", "mqtt=tcp://b:1883"} {
		if !strings.Contains(txt, want) {
			t.Errorf("txt %q missing %q", txt, want)
		}
	}
}

func TestTruncateString(t *testing.T) {
	if got := truncateString("ćevapi", 3); got != "ćev" {
		t.Fatalf("unexpected truncation %q", got)
	}
	if got := truncateString("short", 10); got != "short" {
		t.Fatalf("unexpected %q", got)
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

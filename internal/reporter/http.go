package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taxifleet/go-fleet-server/internal/tracking"
)

// HTTPTransport posts reports to the fleet server's REST API.
type HTTPTransport struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPTransport creates a transport for the given base URL (e.g. http://host:port).
func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}


// Send posts one report for vehicleID.
func (t *HTTPTransport) Send(ctx context.Context, vehicleID string, report tracking.ReportInput) error {
	path := "/api/vehicles/" + url.PathEscape(vehicleID) + "/location"
	return t.postJSON(ctx, path, report, nil)
}

// Login exchanges credentials for a session token and keeps it for later sends.
func (t *HTTPTransport) Login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	req := map[string]string{"username": username, "password": password}
	if err := t.postJSON(ctx, "/api/auth/login", req, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("login: empty token")
	}
	t.token = resp.Token
	return resp.Token, nil
}

func (t *HTTPTransport) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	res, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("request failed: %s: %s", res.Status, msg)
		}
		return fmt.Errorf("request failed: %s", res.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

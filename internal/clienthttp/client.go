package clienthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Health is the response from GET /health.
type Health struct {
	OK           bool `json:"ok"`
	AuthRequired bool `json:"auth"`
	Version      int  `json:"version"`
}

// CheckHealth calls GET /health on the host.
// Uses a 5 second timeout for the HTTP request.
func CheckHealth(ctx context.Context, hostURL string) (Health, error) {
	url := strings.TrimSuffix(hostURL, "/") + "/health"
	if !strings.HasPrefix(url, "http") {
		url = "http://" + url
	}

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Health{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Health{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Health{}, fmt.Errorf("host returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var health Health
	if err := json.Unmarshal(body, &health); err != nil {
		return Health{}, fmt.Errorf("parse response: %w", err)
	}
	if !health.OK {
		return health, fmt.Errorf("host reported not ok")
	}
	return health, nil
}

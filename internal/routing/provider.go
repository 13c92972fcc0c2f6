package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RouteEstimate is a road-routing provider answer for one leg.
type RouteEstimate struct {
	Coordinates [][2]float64 `json:"coordinates"`
	DistanceKm  float64      `json:"distanceKm"`
	DurationMin float64      `json:"durationMin"`
}

// ProviderClient talks to the external road-routing service. A zero base
// URL disables the client; callers fall back to straight-line estimates.
type ProviderClient struct {
	baseURL string
	client  *http.Client
}

// NewProviderClient constructs the client. baseURL may be empty.
func NewProviderClient(baseURL string, timeout time.Duration) *ProviderClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ProviderClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a provider endpoint is configured.
func (c *ProviderClient) Enabled() bool {
	return c != nil && c.baseURL != ""
}

type routeRequest struct {
	FromLat float64 `json:"fromLat"`
	FromLng float64 `json:"fromLng"`
	ToLat   float64 `json:"toLat"`
	ToLng   float64 `json:"toLng"`
}

// Route asks the provider for the road route between two points.
func (c *ProviderClient) Route(ctx context.Context, fromLat, fromLng, toLat, toLng float64) (RouteEstimate, error) {
	if !c.Enabled() {
		return RouteEstimate{}, fmt.Errorf("routing provider not configured")
	}
	body, err := json.Marshal(routeRequest{FromLat: fromLat, FromLng: fromLng, ToLat: toLat, ToLng: toLng})
	if err != nil {
		return RouteEstimate{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/route", bytes.NewReader(body))
	if err != nil {
		return RouteEstimate{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return RouteEstimate{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RouteEstimate{}, fmt.Errorf("routing provider returned %d", resp.StatusCode)
	}

	var estimate RouteEstimate
	if err := json.NewDecoder(resp.Body).Decode(&estimate); err != nil {
		return RouteEstimate{}, err
	}
	return estimate, nil
}

package routing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/loomworks-erp/loomworks-erp/internal/dispatch"
	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

const (
	factoryLat = 13.7563
	factoryLng = 100.5018
)

type assignmentStub struct {
	mu     sync.Mutex
	active []dispatch.Assignment
	calls  int
}

func (s *assignmentStub) ListActive(context.Context) ([]dispatch.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return append([]dispatch.Assignment{}, s.active...), nil
}

func delivery(id string, lat, lng float64) dispatch.Assignment {
	return dispatch.Assignment{
		ID:          id,
		OrderID:     "order-" + id,
		Status:      dispatch.AssignmentInTransit,
		DeliveryLat: lat,
		DeliveryLng: lng,
	}
}

func newAdvisor(t *testing.T, source AssignmentSource, provider *ProviderClient) (*Advisor, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	advisor := NewAdvisor(source, provider, client,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		factoryLat, factoryLng, 5.0)
	return advisor, client
}

func TestClustersGroupNearbyDeliveries(t *testing.T) {
	source := &assignmentStub{active: []dispatch.Assignment{
		delivery("a1", 13.7466, 100.5347), // Siam
		delivery("a2", 13.7440, 100.5300), // near Siam
		delivery("a3", 14.0208, 100.5250), // Rangsit, far away
	}}
	advisor, _ := newAdvisor(t, source, nil)

	clusters, err := advisor.Clusters(context.Background())
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	require.Len(t, clusters[0].Stops, 2)
	require.Len(t, clusters[1].Stops, 1)
}

func TestClustersAreDeterministic(t *testing.T) {
	source := &assignmentStub{active: []dispatch.Assignment{
		delivery("b", 13.7440, 100.5300),
		delivery("a", 13.7466, 100.5347),
	}}
	advisor, _ := newAdvisor(t, source, nil)

	first, err := advisor.Clusters(context.Background())
	require.NoError(t, err)
	second, err := advisor.Clusters(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, "cluster-a", first[0].ID, "anchored on lowest assignment id")
}

func TestSuggestProposesShorterRoute(t *testing.T) {
	// Stored order visits the far stop first; nearest-neighbor should flip it.
	source := &assignmentStub{active: []dispatch.Assignment{
		delivery("a1", 13.7800, 100.5200), // farther from factory
		delivery("a2", 13.7600, 100.5100), // nearer
	}}
	advisor, _ := newAdvisor(t, source, nil)

	suggestions, err := advisor.Suggest(context.Background())
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	s := suggestions[0]
	require.Equal(t, []string{"a2", "a1"}, s.ProposedRoute)
	require.Greater(t, s.EstimatedSavingKm, 0.0)
	require.InDelta(t, s.CurrentKm-s.ProposedKm, s.EstimatedSavingKm, 1e-9)
}

func TestSuggestIsSideEffectFree(t *testing.T) {
	source := &assignmentStub{active: []dispatch.Assignment{
		delivery("a1", 13.7800, 100.5200),
		delivery("a2", 13.7600, 100.5100),
	}}
	advisor, client := newAdvisor(t, source, nil)

	_, err := advisor.Suggest(context.Background())
	require.NoError(t, err)

	keys, err := client.Keys(context.Background(), "*").Result()
	require.NoError(t, err)
	require.Empty(t, keys, "suggestions never write")
}

func TestApplyDynamicRerouting(t *testing.T) {
	source := &assignmentStub{active: []dispatch.Assignment{
		delivery("a1", 13.7800, 100.5200),
		delivery("a2", 13.7600, 100.5100),
	}}
	advisor, _ := newAdvisor(t, source, nil)
	ctx := context.Background()

	plan, err := advisor.ApplyDynamicRerouting(ctx, "cluster-a1", []string{"a2", "a1"})
	require.NoError(t, err)
	require.Equal(t, []string{"a2", "a1"}, plan.Route)

	stored, err := advisor.ActivePlan(ctx, "cluster-a1")
	require.NoError(t, err)
	require.Equal(t, plan.Route, stored.Route)
}

func TestApplyRejectsIncompleteRoute(t *testing.T) {
	source := &assignmentStub{active: []dispatch.Assignment{
		delivery("a1", 13.7800, 100.5200),
		delivery("a2", 13.7600, 100.5100),
	}}
	advisor, _ := newAdvisor(t, source, nil)
	ctx := context.Background()

	_, err := advisor.ApplyDynamicRerouting(ctx, "cluster-a1", []string{"a1"})
	require.ErrorIs(t, err, ErrRouteMismatch)

	_, err = advisor.ApplyDynamicRerouting(ctx, "cluster-a1", []string{"a1", "a1"})
	require.ErrorIs(t, err, ErrRouteMismatch)

	_, err = advisor.ApplyDynamicRerouting(ctx, "cluster-a1", []string{"a1", "zz"})
	require.ErrorIs(t, err, ErrRouteMismatch)

	_, err = advisor.ApplyDynamicRerouting(ctx, "missing", []string{"a1", "a2"})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestProviderFallsBackToStraightLine(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	source := &assignmentStub{active: []dispatch.Assignment{
		delivery("a1", 13.7800, 100.5200),
		delivery("a2", 13.7600, 100.5100),
	}}
	provider := NewProviderClient(down.URL, time.Second)
	advisor, _ := newAdvisor(t, source, provider)

	suggestions, err := advisor.Suggest(context.Background())
	require.NoError(t, err)
	require.Len(t, suggestions, 1, "provider outage degrades to haversine, not failure")
}

func TestProviderDistancesAreUsed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			FromLat float64 `json:"fromLat"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(RouteEstimate{DistanceKm: 4.2, DurationMin: 11})
	}))
	defer srv.Close()

	provider := NewProviderClient(srv.URL, time.Second)
	estimate, err := provider.Route(context.Background(), factoryLat, factoryLng, 13.78, 100.52)
	require.NoError(t, err)
	require.InDelta(t, 4.2, estimate.DistanceKm, 1e-9)
}

func TestProviderDisabledWithoutBaseURL(t *testing.T) {
	provider := NewProviderClient("", time.Second)
	require.False(t, provider.Enabled())
	_, err := provider.Route(context.Background(), 0, 0, 1, 1)
	require.Error(t, err)
}

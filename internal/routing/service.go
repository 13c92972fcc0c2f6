// Package routing observes active delivery assignments and advises on
// consolidating nearby deliveries. Suggestions are pure reads; the only
// mutation path is ApplyDynamicRerouting.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/loomworks-erp/loomworks-erp/internal/dispatch"
	"github.com/loomworks-erp/loomworks-erp/internal/shared"
)

// plansKey is the redis hash holding accepted route plans per cluster.
const plansKey = "routing:plans"

// defaultClusterRadiusKm bounds how far apart deliveries may be and still
// share a route.
const defaultClusterRadiusKm = 5.0

// AssignmentSource is the slice of the dispatch module the advisor reads.
type AssignmentSource interface {
	ListActive(ctx context.Context) ([]dispatch.Assignment, error)
}

// Stop is one delivery point inside a cluster.
type Stop struct {
	AssignmentID string  `json:"assignment_id"`
	OrderID      string  `json:"order_id"`
	Name         string  `json:"name"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
}

// Cluster groups active deliveries close enough to share a route.
type Cluster struct {
	ID    string `json:"id"`
	Stops []Stop `json:"stops"`
}

// Suggestion proposes a stop ordering for one cluster. Advisory only.
type Suggestion struct {
	ClusterID         string    `json:"cluster_id"`
	ProposedRoute     []string  `json:"proposed_route"` // assignment ids in visiting order
	CurrentKm         float64   `json:"current_km"`
	ProposedKm        float64   `json:"proposed_km"`
	EstimatedSavingKm float64   `json:"estimated_saving_km"`
	ComputedAt        time.Time `json:"computed_at"`
}

// Plan is an accepted rerouting for a cluster.
type Plan struct {
	ClusterID string    `json:"cluster_id"`
	Route     []string  `json:"route"`
	AppliedAt time.Time `json:"applied_at"`
}

// ErrRouteMismatch indicates the proposed route does not cover the
// cluster's stops exactly.
var ErrRouteMismatch = errors.New("routing: route must cover every cluster stop exactly once")

// Advisor computes route suggestions over active assignments.
type Advisor struct {
	assignments AssignmentSource
	provider    *ProviderClient
	cache       *redis.Client
	logger      *slog.Logger
	group       singleflight.Group

	originLat, originLng float64
	clusterRadiusKm      float64
}

// NewAdvisor wires the advisor. origin is the factory the route legs start
// from; radiusKm <= 0 falls back to the default cluster radius.
func NewAdvisor(
	assignments AssignmentSource,
	provider *ProviderClient,
	cache *redis.Client,
	logger *slog.Logger,
	originLat, originLng, radiusKm float64,
) *Advisor {
	if radiusKm <= 0 {
		radiusKm = defaultClusterRadiusKm
	}
	return &Advisor{
		assignments:     assignments,
		provider:        provider,
		cache:           cache,
		logger:          logger,
		originLat:       originLat,
		originLng:       originLng,
		clusterRadiusKm: radiusKm,
	}
}

// Clusters groups active assignments by delivery proximity. Grouping is
// greedy over id-sorted assignments so repeated calls over the same data
// yield identical clusters.
func (a *Advisor) Clusters(ctx context.Context) ([]Cluster, error) {
	active, err := a.assignments.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active assignments: %w", err)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	clusters := []Cluster{}
	for _, assignment := range active {
		stop := Stop{
			AssignmentID: assignment.ID,
			OrderID:      assignment.OrderID,
			Name:         assignment.DeliveryName,
			Lat:          assignment.DeliveryLat,
			Lng:          assignment.DeliveryLng,
		}
		placed := false
		for i := range clusters {
			anchor := clusters[i].Stops[0]
			if dispatch.HaversineKm(anchor.Lat, anchor.Lng, stop.Lat, stop.Lng) <= a.clusterRadiusKm {
				clusters[i].Stops = append(clusters[i].Stops, stop)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, Cluster{
				ID:    "cluster-" + assignment.ID,
				Stops: []Stop{stop},
			})
		}
	}
	return clusters, nil
}

// Suggest computes reroute suggestions for every multi-stop cluster.
// Concurrent callers share one computation.
func (a *Advisor) Suggest(ctx context.Context) ([]Suggestion, error) {
	result, err, _ := a.group.Do("suggest", func() (any, error) {
		return a.computeSuggestions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]Suggestion), nil
}

func (a *Advisor) computeSuggestions(ctx context.Context) ([]Suggestion, error) {
	clusters, err := a.Clusters(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	suggestions := []Suggestion{}
	for _, cluster := range clusters {
		if len(cluster.Stops) < 2 {
			continue
		}
		currentKm := a.routeLength(ctx, cluster.Stops)
		ordered := a.nearestNeighborOrder(ctx, cluster.Stops)
		proposedKm := a.routeLength(ctx, ordered)
		if proposedKm >= currentKm {
			continue
		}
		route := make([]string, 0, len(ordered))
		for _, stop := range ordered {
			route = append(route, stop.AssignmentID)
		}
		suggestions = append(suggestions, Suggestion{
			ClusterID:         cluster.ID,
			ProposedRoute:     route,
			CurrentKm:         currentKm,
			ProposedKm:        proposedKm,
			EstimatedSavingKm: currentKm - proposedKm,
			ComputedAt:        now,
		})
	}
	return suggestions, nil
}

// ApplyDynamicRerouting accepts a proposed route for a cluster. The route
// must cover the cluster's stops exactly; this is the advisor's only write.
func (a *Advisor) ApplyDynamicRerouting(ctx context.Context, clusterID string, newRoute []string) (Plan, error) {
	clusters, err := a.Clusters(ctx)
	if err != nil {
		return Plan{}, err
	}
	var cluster *Cluster
	for i := range clusters {
		if clusters[i].ID == clusterID {
			cluster = &clusters[i]
			break
		}
	}
	if cluster == nil {
		return Plan{}, shared.NewNotFound("cluster", clusterID)
	}

	if len(newRoute) != len(cluster.Stops) {
		return Plan{}, ErrRouteMismatch
	}
	want := map[string]bool{}
	for _, stop := range cluster.Stops {
		want[stop.AssignmentID] = true
	}
	seen := map[string]bool{}
	for _, id := range newRoute {
		if !want[id] || seen[id] {
			return Plan{}, ErrRouteMismatch
		}
		seen[id] = true
	}

	plan := Plan{ClusterID: clusterID, Route: newRoute, AppliedAt: time.Now().UTC()}
	if a.cache != nil {
		payload, err := json.Marshal(plan)
		if err != nil {
			return Plan{}, err
		}
		if err := a.cache.HSet(ctx, plansKey, clusterID, payload).Err(); err != nil {
			return Plan{}, fmt.Errorf("persist route plan: %w", err)
		}
	}
	return plan, nil
}

// ActivePlan returns the accepted plan for a cluster, if any.
func (a *Advisor) ActivePlan(ctx context.Context, clusterID string) (Plan, error) {
	if a.cache == nil {
		return Plan{}, shared.NewNotFound("route plan", clusterID)
	}
	payload, err := a.cache.HGet(ctx, plansKey, clusterID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Plan{}, shared.NewNotFound("route plan", clusterID)
		}
		return Plan{}, err
	}
	var plan Plan
	if err := json.Unmarshal([]byte(payload), &plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

// nearestNeighborOrder orders stops greedily from the factory origin.
// Distance ties break by assignment id.
func (a *Advisor) nearestNeighborOrder(ctx context.Context, stops []Stop) []Stop {
	remaining := append([]Stop{}, stops...)
	ordered := make([]Stop, 0, len(stops))
	lat, lng := a.originLat, a.originLng
	for len(remaining) > 0 {
		best := 0
		bestKm := a.legKm(ctx, lat, lng, remaining[0].Lat, remaining[0].Lng)
		for i := 1; i < len(remaining); i++ {
			km := a.legKm(ctx, lat, lng, remaining[i].Lat, remaining[i].Lng)
			if km < bestKm || (km == bestKm && remaining[i].AssignmentID < remaining[best].AssignmentID) {
				best, bestKm = i, km
			}
		}
		next := remaining[best]
		ordered = append(ordered, next)
		lat, lng = next.Lat, next.Lng
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return ordered
}

// routeLength sums the legs origin -> stop1 -> ... -> stopN.
func (a *Advisor) routeLength(ctx context.Context, stops []Stop) float64 {
	total := 0.0
	lat, lng := a.originLat, a.originLng
	for _, stop := range stops {
		total += a.legKm(ctx, lat, lng, stop.Lat, stop.Lng)
		lat, lng = stop.Lat, stop.Lng
	}
	return total
}

// legKm estimates one leg via the road provider, falling back to the
// straight-line distance when the provider is unavailable.
func (a *Advisor) legKm(ctx context.Context, fromLat, fromLng, toLat, toLng float64) float64 {
	if a.provider.Enabled() {
		estimate, err := a.provider.Route(ctx, fromLat, fromLng, toLat, toLng)
		if err == nil {
			return estimate.DistanceKm
		}
		a.logger.Warn("routing provider unavailable, using straight-line estimate", "error", err)
	}
	return dispatch.HaversineKm(fromLat, fromLng, toLat, toLng)
}

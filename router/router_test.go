package router

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rodan32/imgen/errors"
	"github.com/rodan32/imgen/fleet"
)

// newFakeWorker serves the two probe endpoints every node answers.
func newFakeWorker(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"system":{}}`))
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"queue_running":[],"queue_pending":[]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func hostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// newTestFleet loads three probed-healthy nodes matching the shape used
// throughout the routing tests: a draft, a standard, and a premium worker,
// all sd15-capable.
func newTestFleet(t *testing.T) (*fleet.Registry, *httptest.Server) {
	t.Helper()
	srv := newFakeWorker(t)
	host, port := hostPort(t, srv)

	doc := fmt.Sprintf(`nodes:
  - {id: a, name: A, host: %[1]s, port: %[2]d, vram_gb: 6, tier: draft, capabilities: [sd15]}
  - {id: b, name: B, host: %[1]s, port: %[2]d, vram_gb: 12, tier: standard, capabilities: [sd15, sdxl]}
  - {id: c, name: C, host: %[1]s, port: %[2]d, vram_gb: 48, tier: premium, capabilities: [sd15, sdxl, flux]}
`, host, port)

	registry := fleet.NewRegistry(zap.NewNop().Sugar())
	require.NoError(t, registry.Load([]byte(doc)))
	results := registry.ProbeAll(context.Background())
	require.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, results)
	return registry, srv
}

func TestRoutePicksLeastLoadedCapable(t *testing.T) {
	registry, _ := newTestFleet(t)
	r := New(registry, zap.NewNop().Sugar())

	// Only b and c are sdxl-capable; load b so c wins.
	registry.IncrementLoad("b")
	node, err := r.Route(TaskStandard, "", "")
	require.NoError(t, err)
	assert.Equal(t, "c", node.ID)

	// Ties break toward config order.
	registry.IncrementLoad("c")
	node, err = r.Route(TaskStandard, "", "")
	require.NoError(t, err)
	assert.Equal(t, "b", node.ID)
}

func TestRoutePreferredWorkerWins(t *testing.T) {
	registry, _ := newTestFleet(t)
	r := New(registry, zap.NewNop().Sugar())

	// c is busy, but the caller asked for it.
	registry.IncrementLoad("c")
	registry.IncrementLoad("c")
	node, err := r.Route(TaskStandard, "c", "")
	require.NoError(t, err)
	assert.Equal(t, "c", node.ID)
}

func TestRoutePreferredWorkerIgnoredWhenIncapable(t *testing.T) {
	registry, _ := newTestFleet(t)
	r := New(registry, zap.NewNop().Sugar())

	// a has no flux capability; the request falls back to normal routing.
	node, err := r.Route(TaskFluxQuality, "a", "")
	require.NoError(t, err)
	assert.Equal(t, "c", node.ID)
}

func TestRouteModelFamilyOverridesTaskCapability(t *testing.T) {
	registry, _ := newTestFleet(t)
	r := New(registry, zap.NewNop().Sugar())

	// Draft tasks default to sd15, but an explicit family narrows further.
	node, err := r.Route(TaskDraft, "", "flux")
	require.NoError(t, err)
	assert.Equal(t, "c", node.ID)
}

func TestRouteNoCapableWorker(t *testing.T) {
	registry, _ := newTestFleet(t)
	r := New(registry, zap.NewNop().Sugar())

	_, err := r.Route(TaskUpscale, "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoAvailableWorker))
}

func TestRouteExcludesUnhealthyWorkers(t *testing.T) {
	registry, srv := newTestFleet(t)
	r := New(registry, zap.NewNop().Sugar())

	srv.Close()
	registry.ProbeAll(context.Background())

	_, err := r.Route(TaskDraft, "", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoAvailableWorker))
}

func TestRouteBatchWeightedDistribution(t *testing.T) {
	registry, _ := newTestFleet(t)
	r := New(registry, zap.NewNop().Sugar())

	// Queue depths: a=0, b=0, c=4. Weights: a=5*1.00=5, b=5*1.25=6.25,
	// c=1*1.75=1.75, total 13. For 20 jobs: a=round(7.69)=8,
	// b=round(9.62)=10, c takes the remaining 2.
	for i := 0; i < 4; i++ {
		registry.IncrementLoad("c")
	}

	assignments, err := r.RouteBatch(TaskDraft, 20, "")
	require.NoError(t, err)
	require.Len(t, assignments, 3)

	byID := map[string]int{}
	total := 0
	for _, a := range assignments {
		byID[a.Node.ID] = a.Count
		total += a.Count
	}
	assert.Equal(t, 8, byID["a"])
	assert.Equal(t, 10, byID["b"])
	assert.Equal(t, 2, byID["c"])
	assert.Equal(t, 20, total)
}

func TestRouteBatchSumsToCount(t *testing.T) {
	registry, _ := newTestFleet(t)
	r := New(registry, zap.NewNop().Sugar())

	for _, count := range []int{1, 2, 3, 7, 19, 50} {
		assignments, err := r.RouteBatch(TaskDraft, count, "")
		require.NoError(t, err)
		total := 0
		for _, a := range assignments {
			total += a.Count
			assert.Positive(t, a.Count)
		}
		assert.Equal(t, count, total, "count=%d", count)
	}
}

func TestRouteBatchNoCapableWorker(t *testing.T) {
	registry, _ := newTestFleet(t)
	r := New(registry, zap.NewNop().Sugar())

	_, err := r.RouteBatch(TaskUpscale, 10, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoAvailableWorker))
}

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rodan32/imgen/db"
	"github.com/rodan32/imgen/fleet"
	"github.com/rodan32/imgen/progress"
	"github.com/rodan32/imgen/worker"
)

// fakeWorker imitates a diffusion worker's HTTP surface with configurable
// failure modes.
type fakeWorker struct {
	mu                sync.Mutex
	submitCode        int // non-zero forces this status on /prompt
	historyCode       int // non-zero forces this status on /history
	historyEmptyPolls int // polls answered empty before the record appears
	omitImages        bool
	polls             int

	srv *httptest.Server
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	f := &fakeWorker{}

	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"queue_running":[],"queue_pending":[]}`))
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		code := f.submitCode
		f.mu.Unlock()
		if code != 0 {
			w.WriteHeader(code)
			w.Write([]byte(`{"error":"rejected"}`))
			return
		}
		w.Write([]byte(`{"prompt_id":"p-1"}`))
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.historyCode != 0 {
			w.WriteHeader(f.historyCode)
			return
		}
		f.polls++
		if f.polls <= f.historyEmptyPolls {
			w.Write([]byte(`{}`))
			return
		}
		if f.omitImages {
			w.Write([]byte(`{"p-1":{"outputs":{}}}`))
			return
		}
		w.Write([]byte(`{"p-1":{"outputs":{"7":{"images":[{"filename":"out.png","subfolder":"","type":"output"}]}}}}`))
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png-bytes"))
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

type driverHarness struct {
	registry *fleet.Registry
	pool     *worker.Pool
	store    *Store
	images   *ImageStore
	agg      *progress.Aggregator
	sink     *recordingSink
	driver   *Driver
}

type recordingSink struct {
	mu     sync.Mutex
	events []map[string]any
}

func (s *recordingSink) Send(payload []byte) error {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, m)
	return nil
}

func (s *recordingSink) byType(eventType string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, e := range s.events {
		if e["type"] == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newDriverHarness(t *testing.T, f *fakeWorker) *driverHarness {
	t.Helper()
	log := zap.NewNop().Sugar()

	u, err := url.Parse(f.srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	doc := fmt.Sprintf("nodes:\n  - {id: gpu-a, name: A, host: %s, port: %d, vram_gb: 8, tier: standard, capabilities: [sd15, sdxl]}\n", host, port)
	registry := fleet.NewRegistry(log)
	require.NoError(t, registry.Load([]byte(doc)))
	registry.ProbeAll(context.Background())

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.Migrate(database, log))

	pool := worker.NewPool(registry, 5*time.Second, time.Second, log)
	t.Cleanup(pool.Close)

	store := NewStore(database, log)
	images := NewImageStore(t.TempDir(), log)
	agg := progress.NewAggregator(log)
	sink := &recordingSink{}
	agg.Subscribe("sess-1", sink)

	driver := NewDriver(pool, registry, store, images, agg, 10*time.Millisecond, 2*time.Second, log)
	return &driverHarness{
		registry: registry,
		pool:     pool,
		store:    store,
		images:   images,
		agg:      agg,
		sink:     sink,
		driver:   driver,
	}
}

func (h *driverHarness) createJob(t *testing.T, id string, batch string, index, total int) Job {
	t.Helper()
	g := newTestGeneration(id)
	g.BatchID = batch
	g.BatchIndex = index
	require.NoError(t, h.store.Create(g))
	return Job{
		GenerationID: id,
		SessionID:    "sess-1",
		WorkerID:     "gpu-a",
		Graph:        json.RawMessage(`{"1":{"class_type":"KSampler","inputs":{}}}`),
		Seed:         42,
		BatchID:      batch,
		BatchIndex:   index,
		BatchTotal:   total,
	}
}

func TestDriverHappyPath(t *testing.T) {
	f := newFakeWorker(t)
	f.historyEmptyPolls = 2
	h := newDriverHarness(t, f)
	job := h.createJob(t, "g1", "", 0, 0)

	h.driver.Run(context.Background(), job)

	g, err := h.store.Get("g1")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, g.Status)
	assert.Equal(t, "p-1", g.PromptID)
	assert.NotEmpty(t, g.ImagePath)
	assert.Positive(t, g.GenerationMs)

	data, err := h.images.Load(g.ImagePath)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))

	// Queue accounting returns to zero after the run.
	assert.Equal(t, 0, h.registry.Get("gpu-a").QueueLength())

	done := h.sink.byType("generation_complete")
	require.Len(t, done, 1)
	assert.Equal(t, "g1", done[0]["generationId"])
	assert.Equal(t, "gpu-a", done[0]["gpuId"])
	assert.Equal(t, float64(42), done[0]["seed"])
}

func TestDriverSubmitRejected(t *testing.T) {
	f := newFakeWorker(t)
	f.submitCode = http.StatusBadRequest
	h := newDriverHarness(t, f)
	job := h.createJob(t, "g1", "", 0, 0)

	h.driver.Run(context.Background(), job)

	g, err := h.store.Get("g1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, g.Status)
	assert.NotEmpty(t, g.ErrorMessage)
	assert.Empty(t, g.PromptID)
	assert.Equal(t, 0, h.registry.Get("gpu-a").QueueLength())
	assert.Len(t, h.sink.byType("error"), 1)
}

func TestDriverWorkerFailsMidJob(t *testing.T) {
	f := newFakeWorker(t)
	f.historyCode = http.StatusInternalServerError
	h := newDriverHarness(t, f)
	job := h.createJob(t, "g1", "", 0, 0)

	h.driver.Run(context.Background(), job)

	g, err := h.store.Get("g1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, g.Status)
	assert.Equal(t, "p-1", g.PromptID)
	assert.Equal(t, 0, h.registry.Get("gpu-a").QueueLength())
}

func TestDriverDeadline(t *testing.T) {
	f := newFakeWorker(t)
	f.historyEmptyPolls = 1 << 30
	h := newDriverHarness(t, f)
	h.driver.deadline = 100 * time.Millisecond
	job := h.createJob(t, "g1", "", 0, 0)

	h.driver.Run(context.Background(), job)

	g, err := h.store.Get("g1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, g.Status)
	assert.Contains(t, g.ErrorMessage, "exceeded")
}

func TestDriverNoOutput(t *testing.T) {
	f := newFakeWorker(t)
	f.omitImages = true
	h := newDriverHarness(t, f)
	job := h.createJob(t, "g1", "", 0, 0)

	h.driver.Run(context.Background(), job)

	g, err := h.store.Get("g1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, g.Status)
}

func TestDriverShutdownCancelsJob(t *testing.T) {
	f := newFakeWorker(t)
	f.historyEmptyPolls = 1 << 30
	h := newDriverHarness(t, f)
	job := h.createJob(t, "g1", "", 0, 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	h.driver.Run(ctx, job)

	g, err := h.store.Get("g1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, g.Status)
	assert.Contains(t, g.ErrorMessage, "shutdown")
}

func TestBatchProgressMonotoneWithFinalComplete(t *testing.T) {
	f := newFakeWorker(t)
	h := newDriverHarness(t, f)

	for i, id := range []string{"g1", "g2", "g3"} {
		job := h.createJob(t, id, "batch-1", i, 3)
		h.driver.Run(context.Background(), job)
	}

	progressEvents := h.sink.byType("batch_progress")
	require.Len(t, progressEvents, 3)
	for i, e := range progressEvents {
		assert.Equal(t, float64(i+1), e["completed"])
		assert.Equal(t, float64(3), e["total"])
		assert.Equal(t, "batch-1", e["batchId"])
	}

	// Exactly one batch_complete, and it follows the final batch_progress.
	completeEvents := h.sink.byType("batch_complete")
	require.Len(t, completeEvents, 1)
	assert.Equal(t, float64(3), completeEvents[0]["total"])
	assert.Empty(t, h.sink.byType("generation_complete"))
}

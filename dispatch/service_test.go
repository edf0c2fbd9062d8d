package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rodan32/imgen/errors"
	"github.com/rodan32/imgen/router"
	"github.com/rodan32/imgen/workflow"
)

const serviceManifest = `templates:
  - name: sdxl_txt2img
    model_families: [sdxl]
  - name: sd15_txt2img
    model_families: [sd15]
`

const serviceGraph = `{
  "1": {"class_type": "CheckpointLoaderSimple", "inputs": {"ckpt_name": "{{checkpoint}}"}},
  "2": {"class_type": "KSampler", "inputs": {"seed": "{{seed}}", "steps": "{{steps}}", "model": ["1", 0]}},
  "3": {"class_type": "SaveImage", "inputs": {"filename_prefix": "{{filename_prefix}}", "images": ["2", 0]}}
}`

func newTestService(t *testing.T, f *fakeWorker) (*Service, *driverHarness) {
	t.Helper()
	log := zap.NewNop().Sugar()
	h := newDriverHarness(t, f)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(serviceManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sdxl_txt2img.json"), []byte(serviceGraph), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sd15_txt2img.json"), []byte(serviceGraph), 0o644))
	engine := workflow.NewEngine(dir, log)
	require.NoError(t, engine.Load())

	taskRouter := router.New(h.registry, log)
	svc := NewService(context.Background(), taskRouter, engine, h.pool, h.store, h.images, h.driver, log)
	return svc, h
}

func TestServiceGenerate(t *testing.T) {
	f := newFakeWorker(t)
	svc, h := newTestService(t, f)

	resp, err := svc.Generate(GenerateRequest{
		SessionID: "sess-1",
		Prompt:    "a lighthouse at dusk",
		TaskType:  "standard",
		Seed:      7,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, resp.Status)
	assert.Equal(t, "gpu-a", resp.WorkerID)
	assert.NotEmpty(t, resp.ID)

	svc.Drain()

	g, err := h.store.Get(resp.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, g.Status)
	assert.Equal(t, int64(7), g.Seed)
	assert.Equal(t, "sdxl", g.ModelFamily)
	assert.NotEmpty(t, g.ImagePath)
}

func TestServiceGenerateValidation(t *testing.T) {
	f := newFakeWorker(t)
	svc, _ := newTestService(t, f)

	_, err := svc.Generate(GenerateRequest{Prompt: "no session"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = svc.Generate(GenerateRequest{SessionID: "sess-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestServiceGenerateNoCapableWorker(t *testing.T) {
	f := newFakeWorker(t)
	svc, _ := newTestService(t, f)

	_, err := svc.Generate(GenerateRequest{
		SessionID:   "sess-1",
		Prompt:      "flux needs flux capability",
		ModelFamily: "flux",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoAvailableWorker))
}

func TestServiceGenerateBatch(t *testing.T) {
	f := newFakeWorker(t)
	svc, h := newTestService(t, f)

	resp, err := svc.GenerateBatch(BatchRequest{
		SessionID:   "sess-1",
		Prompt:      "a lighthouse at dusk",
		TaskType:    "draft",
		ModelFamily: "sd15",
		Count:       4,
		SeedStart:   100,
		Checkpoints: []string{"ckpt_a.safetensors", "ckpt_b.safetensors"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, resp.TotalCount)
	assert.Equal(t, map[string]int{"gpu-a": 4}, resp.WorkerAssignments)

	svc.Drain()

	gens, err := h.store.ListBySession("sess-1", 10)
	require.NoError(t, err)
	require.Len(t, gens, 4)

	seeds := map[int64]bool{}
	checkpoints := map[string]int{}
	for _, g := range gens {
		assert.Equal(t, StatusComplete, g.Status)
		assert.Equal(t, resp.BatchID, g.BatchID)
		seeds[g.Seed] = true
		checkpoints[g.Checkpoint]++
	}
	// Sequential seeds from the base, round-robin checkpoints.
	assert.Equal(t, map[int64]bool{100: true, 101: true, 102: true, 103: true}, seeds)
	assert.Equal(t, map[string]int{"ckpt_a.safetensors": 2, "ckpt_b.safetensors": 2}, checkpoints)

	// The batch terminal events went out. Members complete concurrently, so
	// more than one driver may observe the finished batch.
	assert.Len(t, h.sink.byType("batch_progress"), 4)
	assert.NotEmpty(t, h.sink.byType("batch_complete"))
}

func TestServiceBatchCountBounds(t *testing.T) {
	f := newFakeWorker(t)
	svc, _ := newTestService(t, f)

	for _, count := range []int{0, -1, maxBatchCount + 1} {
		_, err := svc.GenerateBatch(BatchRequest{
			SessionID: "sess-1",
			Prompt:    "p",
			Count:     count,
		})
		require.Error(t, err, "count=%d", count)
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	}
}

func TestServiceDrainWaitsForDrivers(t *testing.T) {
	f := newFakeWorker(t)
	f.historyEmptyPolls = 3
	svc, h := newTestService(t, f)

	resp, err := svc.Generate(GenerateRequest{
		SessionID: "sess-1",
		Prompt:    "slow one",
	})
	require.NoError(t, err)

	start := time.Now()
	svc.Drain()
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	g, err := h.store.Get(resp.ID)
	require.NoError(t, err)
	assert.True(t, g.Status.Terminal())
}

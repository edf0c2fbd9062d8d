package progress

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rodan32/imgen/errors"
)

// memorySink collects delivered payloads; fail makes every send error so
// pruning can be exercised.
type memorySink struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
}

func (s *memorySink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink broken")
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.payloads = append(s.payloads, cp)
	return nil
}

func (s *memorySink) decoded(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.payloads))
	for _, p := range s.payloads {
		var m map[string]any
		require.NoError(t, json.Unmarshal(p, &m))
		out = append(out, m)
	}
	return out
}

func newTestAggregator() *Aggregator {
	return NewAggregator(zap.NewNop().Sugar())
}

func TestProgressEventRouting(t *testing.T) {
	agg := newTestAggregator()
	sink := &memorySink{}
	agg.Subscribe("sess-1", sink)
	agg.RegisterPrompt("p-1", "sess-1", "gen-1", "gpu-a")

	agg.HandleWorkerEvent("gpu-a", WorkerMessage{
		Type: "progress",
		Data: WorkerEventData{PromptID: "p-1", Value: 4, Max: 20},
	})

	events := sink.decoded(t)
	require.Len(t, events, 1)
	assert.Equal(t, "generation_progress", events[0]["type"])
	assert.Equal(t, "gen-1", events[0]["generationId"])
	assert.Equal(t, "gpu-a", events[0]["gpuId"])
	assert.Equal(t, float64(4), events[0]["step"])
	assert.Equal(t, float64(20), events[0]["totalSteps"])
	assert.Equal(t, float64(20), events[0]["percent"])
}

func TestProgressWithoutPromptIDFallsBackToWorker(t *testing.T) {
	agg := newTestAggregator()
	sink := &memorySink{}
	agg.Subscribe("sess-1", sink)
	agg.RegisterPrompt("p-1", "sess-1", "gen-1", "gpu-a")

	// Step frames often omit the prompt id; the single registered prompt
	// on this worker resolves it.
	agg.HandleWorkerEvent("gpu-a", WorkerMessage{
		Type: "progress",
		Data: WorkerEventData{Value: 5, Max: 10},
	})

	events := sink.decoded(t)
	require.Len(t, events, 1)
	assert.Equal(t, "gen-1", events[0]["generationId"])
	assert.Equal(t, float64(5), events[0]["step"])
	assert.Equal(t, float64(50), events[0]["percent"])
}

func TestEventsForUnknownPromptAreDropped(t *testing.T) {
	agg := newTestAggregator()
	sink := &memorySink{}
	agg.Subscribe("sess-1", sink)
	agg.RegisterPrompt("p-1", "sess-1", "gen-1", "gpu-a")

	// Unknown prompt id on the same worker.
	agg.HandleWorkerEvent("gpu-a", WorkerMessage{
		Type: "progress",
		Data: WorkerEventData{PromptID: "p-other", Value: 1, Max: 2},
	})
	// Known prompt id arriving from the wrong worker.
	agg.HandleWorkerEvent("gpu-b", WorkerMessage{
		Type: "progress",
		Data: WorkerEventData{PromptID: "p-1", Value: 1, Max: 2},
	})
	// No registered prompt at all on this worker.
	agg.HandleWorkerEvent("gpu-b", WorkerMessage{
		Type: "progress",
		Data: WorkerEventData{Value: 1, Max: 2},
	})

	assert.Empty(t, sink.decoded(t))
}

func TestExecutedEventNeedsImages(t *testing.T) {
	agg := newTestAggregator()
	sink := &memorySink{}
	agg.Subscribe("sess-1", sink)
	agg.RegisterPrompt("p-1", "sess-1", "gen-1", "gpu-a")

	agg.HandleWorkerEvent("gpu-a", WorkerMessage{
		Type: "executed",
		Data: WorkerEventData{PromptID: "p-1", Node: "5", Output: map[string]json.RawMessage{"text": []byte(`["x"]`)}},
	})
	assert.Empty(t, sink.decoded(t))

	agg.HandleWorkerEvent("gpu-a", WorkerMessage{
		Type: "executed",
		Data: WorkerEventData{PromptID: "p-1", Node: "7", Output: map[string]json.RawMessage{"images": []byte(`[{}]`)}},
	})

	events := sink.decoded(t)
	require.Len(t, events, 1)
	assert.Equal(t, "generation_node_complete", events[0]["type"])
	assert.Equal(t, "7", events[0]["nodeId"])
	assert.Equal(t, true, events[0]["hasImages"])
}

func TestCompleteAndErrorMapping(t *testing.T) {
	agg := newTestAggregator()
	sink := &memorySink{}
	agg.Subscribe("sess-1", sink)
	agg.RegisterPrompt("p-1", "sess-1", "gen-1", "gpu-a")

	agg.HandleWorkerEvent("gpu-a", WorkerMessage{
		Type: "execution_complete",
		Data: WorkerEventData{PromptID: "p-1"},
	})
	agg.HandleWorkerEvent("gpu-a", WorkerMessage{
		Type: "execution_error",
		Data: WorkerEventData{PromptID: "p-1", ExceptionMessage: "CUDA out of memory"},
	})

	events := sink.decoded(t)
	require.Len(t, events, 2)
	assert.Equal(t, "generation_complete_signal", events[0]["type"])
	assert.Equal(t, "p-1", events[0]["promptId"])
	assert.Equal(t, "error", events[1]["type"])
	assert.Equal(t, "CUDA out of memory", events[1]["message"])

	// The completion signal must not unregister the prompt; the driver
	// still needs the mapping while it fetches outputs.
	agg.HandleWorkerEvent("gpu-a", WorkerMessage{
		Type: "progress",
		Data: WorkerEventData{PromptID: "p-1", Value: 1, Max: 1},
	})
	assert.Len(t, sink.decoded(t), 3)
}

func TestPublishWithoutSinksDropsEvent(t *testing.T) {
	agg := newTestAggregator()
	// No subscription for this session; must not panic or block.
	agg.Publish("sess-none", ErrorEvent{Type: TypeError, GenerationID: "g", Message: "m"})
}

func TestDeadSinksArePruned(t *testing.T) {
	agg := newTestAggregator()
	healthy := &memorySink{}
	broken := &memorySink{fail: true}
	agg.Subscribe("sess-1", healthy)
	agg.Subscribe("sess-1", broken)

	agg.Publish("sess-1", ErrorEvent{Type: TypeError, GenerationID: "g", Message: "m"})
	require.Len(t, healthy.decoded(t), 1)

	// The broken sink is gone; only the healthy one receives the second event.
	broken.fail = false
	agg.Publish("sess-1", ErrorEvent{Type: TypeError, GenerationID: "g", Message: "m2"})
	assert.Len(t, healthy.decoded(t), 2)
	assert.Empty(t, broken.payloads)
}

func TestUnsubscribeRemovesSink(t *testing.T) {
	agg := newTestAggregator()
	sink := &memorySink{}
	agg.Subscribe("sess-1", sink)
	agg.Unsubscribe("sess-1", sink)

	agg.Publish("sess-1", ErrorEvent{Type: TypeError, GenerationID: "g", Message: "m"})
	assert.Empty(t, sink.decoded(t))
}

func TestUnregisterPromptStopsRouting(t *testing.T) {
	agg := newTestAggregator()
	sink := &memorySink{}
	agg.Subscribe("sess-1", sink)
	agg.RegisterPrompt("p-1", "sess-1", "gen-1", "gpu-a")
	agg.UnregisterPrompt("p-1")

	agg.HandleWorkerEvent("gpu-a", WorkerMessage{
		Type: "progress",
		Data: WorkerEventData{Value: 1, Max: 2},
	})
	assert.Empty(t, sink.decoded(t))
}

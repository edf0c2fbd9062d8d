// Package progress fans worker event streams in and client session streams
// out. One subscriber per worker feeds the aggregator, which maps worker
// prompt ids back to sessions and forwards formatted events to every sink
// subscribed to that session.
package progress

// Event is any session-bound payload. Concrete event structs carry a Type
// discriminator field so clients can switch on it.
type Event interface{ EventType() string }

// GenerationProgress reports sampler step advancement for one job.
type GenerationProgress struct {
	Type         string  `json:"type"`
	GenerationID string  `json:"generationId"`
	GPUID        string  `json:"gpuId"`
	Step         int     `json:"step"`
	TotalSteps   int     `json:"totalSteps"`
	Percent      float64 `json:"percent"`
}

func (e GenerationProgress) EventType() string { return e.Type }

// NodeComplete reports that one graph node finished and produced images.
type NodeComplete struct {
	Type         string `json:"type"`
	GenerationID string `json:"generationId"`
	GPUID        string `json:"gpuId"`
	NodeID       string `json:"nodeId"`
	HasImages    bool   `json:"hasImages"`
}

func (e NodeComplete) EventType() string { return e.Type }

// CompleteSignal reports that the worker finished executing a graph. The
// lifecycle driver still has to fetch outputs before the job is complete.
type CompleteSignal struct {
	Type         string `json:"type"`
	GenerationID string `json:"generationId"`
	GPUID        string `json:"gpuId"`
	PromptID     string `json:"promptId"`
}

func (e CompleteSignal) EventType() string { return e.Type }

// ErrorEvent reports a worker-side execution failure.
type ErrorEvent struct {
	Type         string `json:"type"`
	GenerationID string `json:"generationId"`
	Message      string `json:"message"`
}

func (e ErrorEvent) EventType() string { return e.Type }

// GenerationComplete is the driver's terminal event for a single job.
type GenerationComplete struct {
	Type             string `json:"type"`
	GenerationID     string `json:"generationId"`
	ImageURL         string `json:"imageUrl"`
	ThumbnailURL     string `json:"thumbnailUrl"`
	Seed             int64  `json:"seed"`
	GenerationTimeMs int64  `json:"generationTimeMs"`
	GPUID            string `json:"gpuId"`
	Stage            int    `json:"stage"`
}

func (e GenerationComplete) EventType() string { return e.Type }

// BatchResult describes the newest finished member inside a batch_progress
// event.
type BatchResult struct {
	GenerationID string `json:"generationId"`
	ImageURL     string `json:"imageUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`
	Index        int    `json:"index"`
	Stage        int    `json:"stage"`
}

// BatchProgress reports how many members of a batch have finished.
type BatchProgress struct {
	Type         string      `json:"type"`
	BatchID      string      `json:"batchId"`
	Completed    int         `json:"completed"`
	Total        int         `json:"total"`
	LatestResult BatchResult `json:"latestResult"`
}

func (e BatchProgress) EventType() string { return e.Type }

// BatchComplete follows the batch_progress event whose completed count
// reaches the batch total. Members completing concurrently can each observe
// the finished batch, so clients should treat repeats as idempotent.
type BatchComplete struct {
	Type        string `json:"type"`
	BatchID     string `json:"batchId"`
	Total       int    `json:"total"`
	TotalTimeMs int64  `json:"totalTimeMs"`
}

func (e BatchComplete) EventType() string { return e.Type }

// Event type discriminators.
const (
	TypeGenerationProgress = "generation_progress"
	TypeNodeComplete       = "generation_node_complete"
	TypeCompleteSignal     = "generation_complete_signal"
	TypeError              = "error"
	TypeGenerationComplete = "generation_complete"
	TypeBatchProgress      = "batch_progress"
	TypeBatchComplete      = "batch_complete"
)

// Package dispatch owns the generation lifecycle: persistent job records,
// the per-job driver that shepherds a graph through a worker, and the
// service that fans requests out across the fleet.
package dispatch

import "time"

// Status is the lifecycle state of a generation. Transitions only move
// forward: queued -> running -> complete | error.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusError    Status = "error"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Generation is one image-production unit. Batch members share a BatchID
// and carry their position in BatchIndex.
type Generation struct {
	ID             string
	SessionID      string
	Stage          int
	BatchID        string
	BatchIndex     int
	TaskType       string
	ModelFamily    string
	Checkpoint     string
	Prompt         string
	NegativePrompt string
	Params         string // JSON snapshot of the request parameters
	Adapters       string // JSON adapter list, empty when none
	WorkerID       string
	PromptID       string
	Seed           int64
	Status         Status
	ErrorMessage   string
	ImagePath      string
	GenerationMs   int64
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Package router picks workers for generation tasks. Single tasks go to the
// least loaded capable worker; batches are split across the capable fleet
// weighted by free queue capacity and hardware tier.
package router

import (
	"math"

	"go.uber.org/zap"

	"github.com/rodan32/imgen/errors"
	"github.com/rodan32/imgen/fleet"
)

// OverflowThreshold is the queue depth at which a worker is considered to
// have no spare capacity for batch weighting.
const OverflowThreshold = 5

// TaskType classifies a generation request by the hardware it needs.
type TaskType string

const (
	TaskDraft       TaskType = "draft"
	TaskStandard    TaskType = "standard"
	TaskQuality     TaskType = "quality"
	TaskUpscale     TaskType = "upscale"
	TaskFlux        TaskType = "flux"
	TaskFluxQuality TaskType = "flux_quality"
)

// capabilityRequirements maps each task type to the worker capability it
// needs when the request names no model family.
var capabilityRequirements = map[TaskType]string{
	TaskDraft:       fleet.CapSD15,
	TaskStandard:    fleet.CapSDXL,
	TaskQuality:     fleet.CapSDXL,
	TaskUpscale:     fleet.CapUpscale,
	TaskFlux:        fleet.CapFluxFP8,
	TaskFluxQuality: fleet.CapFlux,
}

// Assignment is one worker's share of a batch.
type Assignment struct {
	Node  *fleet.Node
	Count int
}

// Router selects workers from a fleet registry.
type Router struct {
	registry *fleet.Registry
	log      *zap.SugaredLogger
}

// New creates a router over a registry.
func New(registry *fleet.Registry, log *zap.SugaredLogger) *Router {
	return &Router{registry: registry, log: log}
}

// requiredCapability resolves the capability a request needs. An explicit
// model family overrides the task-type default.
func requiredCapability(task TaskType, modelFamily string) string {
	if modelFamily != "" {
		return modelFamily
	}
	if cap, ok := capabilityRequirements[task]; ok {
		return cap
	}
	return fleet.CapSD15
}

// Route finds the worker for one task. A healthy, capable preferred worker
// wins outright; otherwise the least loaded capable worker is chosen.
// Returns ErrNoAvailableWorker when no healthy worker has the capability.
func (r *Router) Route(task TaskType, preferred, modelFamily string) (*fleet.Node, error) {
	required := requiredCapability(task, modelFamily)

	if preferred != "" {
		node := r.registry.Get(preferred)
		if node != nil && node.Healthy() && node.HasCapability(required) {
			r.log.Infow("Using preferred worker",
				"worker_id", preferred,
				"task_type", task,
			)
			return node, nil
		}
	}

	candidates := r.registry.Capable(required)
	if len(candidates) == 0 {
		return nil, errors.Wrapf(errors.ErrNoAvailableWorker,
			"task_type=%s required_capability=%s", task, required)
	}

	best := r.registry.LeastLoaded(candidates)
	if best == nil {
		return nil, errors.Wrapf(errors.ErrNoAvailableWorker, "task_type=%s", task)
	}

	r.log.Infow("Routed task",
		"task_type", task,
		"worker_id", best.ID,
		"worker_name", best.Name,
		"queue_length", best.QueueLength(),
	)
	return best, nil
}

// RouteBatch splits count jobs across every capable worker. Each worker's
// weight is its free capacity under OverflowThreshold times a tier bonus of
// 1 + 0.25 per tier rank. Rounded shares are capped at the remainder and the
// last worker takes whatever is left, so shares always sum to count.
func (r *Router) RouteBatch(task TaskType, count int, modelFamily string) ([]Assignment, error) {
	required := requiredCapability(task, modelFamily)

	candidates := r.registry.Capable(required)
	if len(candidates) == 0 {
		return nil, errors.Wrapf(errors.ErrNoAvailableWorker,
			"batch task_type=%s required_capability=%s", task, required)
	}

	weights := make([]float64, len(candidates))
	total := 0.0
	for i, node := range candidates {
		capacity := float64(OverflowThreshold - node.QueueLength())
		if capacity < 1 {
			capacity = 1
		}
		tierBonus := 1.0 + float64(node.TierRank())*0.25
		weights[i] = capacity * tierBonus
		total += weights[i]
	}

	var assignments []Assignment
	if total == 0 {
		perWorker := count / len(candidates)
		remainder := count % len(candidates)
		for i, node := range candidates {
			n := perWorker
			if i < remainder {
				n++
			}
			if n > 0 {
				assignments = append(assignments, Assignment{Node: node, Count: n})
			}
		}
		return assignments, nil
	}

	remaining := count
	for i, node := range candidates {
		var n int
		if i == len(candidates)-1 {
			n = remaining
		} else {
			n = int(math.Round(float64(count) * weights[i] / total))
			if n > remaining {
				n = remaining
			}
		}
		remaining -= n
		if n > 0 {
			assignments = append(assignments, Assignment{Node: node, Count: n})
		}
	}

	fields := make([]any, 0, 4+2*len(assignments))
	fields = append(fields, "task_type", task, "count", count)
	for _, a := range assignments {
		fields = append(fields, a.Node.ID, a.Count)
	}
	r.log.Infow("Batch distribution", fields...)
	return assignments, nil
}

// Capable reports whether a specific worker can run a task right now.
func (r *Router) Capable(node *fleet.Node, task TaskType, modelFamily string) bool {
	return node != nil && node.Healthy() && node.HasCapability(requiredCapability(task, modelFamily))
}

package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/rodan32/imgen/errors"
	"github.com/rodan32/imgen/fleet"
	"github.com/rodan32/imgen/progress"
	"github.com/rodan32/imgen/worker"
)

// Job is everything a driver needs to run one generation to a terminal
// state. Batch fields are zero for single generations.
type Job struct {
	GenerationID string
	SessionID    string
	Stage        int
	WorkerID     string
	Graph        json.RawMessage
	Seed         int64
	BatchID      string
	BatchIndex   int
	BatchTotal   int
}

// Driver shepherds one job at a time through a worker: submit, poll, fetch
// outputs, persist, publish. One goroutine per job.
type Driver struct {
	pool     *worker.Pool
	registry *fleet.Registry
	store    *Store
	images   *ImageStore
	agg      *progress.Aggregator
	log      *zap.SugaredLogger

	pollInterval time.Duration
	deadline     time.Duration
}

// NewDriver wires a driver. Poll interval defaults to 1s and the per-job
// deadline to 5 minutes when unset.
func NewDriver(
	pool *worker.Pool,
	registry *fleet.Registry,
	store *Store,
	images *ImageStore,
	agg *progress.Aggregator,
	pollInterval, deadline time.Duration,
	log *zap.SugaredLogger,
) *Driver {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	return &Driver{
		pool:         pool,
		registry:     registry,
		store:        store,
		images:       images,
		agg:          agg,
		log:          log,
		pollInterval: pollInterval,
		deadline:     deadline,
	}
}

// Run executes one job to its terminal state. The worker's queue length is
// incremented for the whole run and decremented on every exit path; the
// prompt registration is removed the same way.
func (d *Driver) Run(ctx context.Context, job Job) {
	client, err := d.pool.Get(job.WorkerID)
	if err != nil {
		d.fail(job, err)
		return
	}

	d.registry.IncrementLoad(job.WorkerID)
	promptID := ""
	defer func() {
		d.registry.DecrementLoad(job.WorkerID)
		if promptID != "" {
			d.agg.UnregisterPrompt(promptID)
		}
	}()

	start := time.Now()
	jobsStarted.WithLabelValues(job.WorkerID).Inc()

	promptID, err = client.Submit(ctx, job.Graph)
	if err != nil {
		jobsFailed.WithLabelValues(job.WorkerID).Inc()
		d.fail(job, err)
		return
	}

	d.agg.RegisterPrompt(promptID, job.SessionID, job.GenerationID, job.WorkerID)

	if err := d.store.MarkRunning(job.GenerationID, promptID); err != nil {
		d.log.Errorw("Failed to persist running state",
			"generation_id", job.GenerationID,
			"error", err,
		)
	}

	history, err := d.await(ctx, client, promptID)
	if err != nil {
		jobsFailed.WithLabelValues(job.WorkerID).Inc()
		d.fail(job, err)
		return
	}
	elapsedMs := time.Since(start).Milliseconds()

	images, err := client.Outputs(ctx, history)
	if err != nil {
		jobsFailed.WithLabelValues(job.WorkerID).Inc()
		d.fail(job, err)
		return
	}
	if len(images) == 0 {
		jobsFailed.WithLabelValues(job.WorkerID).Inc()
		d.fail(job, errors.Wrapf(errors.ErrNoOutput, "prompt %s on %s", promptID, job.WorkerID))
		return
	}

	imagePath, err := d.images.Save(job.SessionID, job.Stage, job.GenerationID, images[0].Data)
	if err != nil {
		jobsFailed.WithLabelValues(job.WorkerID).Inc()
		d.fail(job, err)
		return
	}

	if err := d.store.MarkComplete(job.GenerationID, imagePath, elapsedMs); err != nil {
		d.log.Errorw("Failed to persist completion",
			"generation_id", job.GenerationID,
			"error", err,
		)
	}

	jobsCompleted.WithLabelValues(job.WorkerID).Inc()
	jobDuration.WithLabelValues(job.WorkerID).Observe(time.Since(start).Seconds())

	d.publishCompletion(job, elapsedMs)

	d.log.Infow("Generation complete",
		"generation_id", job.GenerationID,
		"worker_id", job.WorkerID,
		"elapsed_ms", elapsedMs,
	)
}

// await polls the worker until a history record appears, the per-job
// deadline passes, or the context ends. Any poll error is terminal; the
// driver never retries against a worker that stopped answering.
func (d *Driver) await(ctx context.Context, client *worker.Client, promptID string) (*worker.History, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(d.deadline)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, errors.Newf("shutdown while waiting for prompt %s", promptID)
		case <-deadline.C:
			return nil, errors.Wrapf(errors.ErrTimeout, "prompt %s exceeded %s", promptID, d.deadline)
		case <-ticker.C:
			history, err := client.History(ctx, promptID)
			if err != nil {
				return nil, err
			}
			if history != nil {
				return history, nil
			}
		}
	}
}

// fail persists the error state and notifies the session. Terminal records
// are left untouched by the store, so a late failure after completion is a
// no-op on disk.
func (d *Driver) fail(job Job, cause error) {
	d.log.Errorw("Generation failed",
		"generation_id", job.GenerationID,
		"worker_id", job.WorkerID,
		"error", cause,
	)

	if err := d.store.MarkError(job.GenerationID, cause.Error()); err != nil {
		d.log.Errorw("Failed to persist error state",
			"generation_id", job.GenerationID,
			"error", err,
		)
	}

	d.agg.Publish(job.SessionID, progress.ErrorEvent{
		Type:         progress.TypeError,
		GenerationID: job.GenerationID,
		Message:      cause.Error(),
	})
}

// publishCompletion emits the terminal client event. Singles get one
// generation_complete; batch members get batch_progress with the current
// completed count, plus batch_complete when the count reaches the total.
func (d *Driver) publishCompletion(job Job, elapsedMs int64) {
	if job.BatchID == "" {
		d.agg.Publish(job.SessionID, progress.GenerationComplete{
			Type:             progress.TypeGenerationComplete,
			GenerationID:     job.GenerationID,
			ImageURL:         "/api/generate/" + job.GenerationID + "/image",
			ThumbnailURL:     "/api/generate/" + job.GenerationID + "/thumbnail",
			Seed:             job.Seed,
			GenerationTimeMs: elapsedMs,
			GPUID:            job.WorkerID,
			Stage:            job.Stage,
		})
		return
	}

	completed, err := d.store.CountBatch(job.BatchID, StatusComplete)
	if err != nil {
		d.log.Errorw("Failed to count batch completions",
			"batch_id", job.BatchID,
			"error", err,
		)
		return
	}

	d.agg.Publish(job.SessionID, progress.BatchProgress{
		Type:      progress.TypeBatchProgress,
		BatchID:   job.BatchID,
		Completed: completed,
		Total:     job.BatchTotal,
		LatestResult: progress.BatchResult{
			GenerationID: job.GenerationID,
			ImageURL:     "/api/generate/" + job.GenerationID + "/image",
			ThumbnailURL: "/api/generate/" + job.GenerationID + "/thumbnail",
			Index:        job.BatchIndex,
			Stage:        job.Stage,
		},
	})

	if completed >= job.BatchTotal {
		d.agg.Publish(job.SessionID, progress.BatchComplete{
			Type:        progress.TypeBatchComplete,
			BatchID:     job.BatchID,
			Total:       job.BatchTotal,
			TotalTimeMs: elapsedMs,
		})
	}
}

package dispatch

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rodan32/imgen/errors"
	"github.com/rodan32/imgen/router"
	"github.com/rodan32/imgen/worker"
	"github.com/rodan32/imgen/workflow"
)

// GenerateRequest is the client payload for a single generation.
type GenerateRequest struct {
	SessionID       string                 `json:"session_id"`
	Stage           int                    `json:"stage"`
	Prompt          string                 `json:"prompt"`
	NegativePrompt  string                 `json:"negative_prompt"`
	TaskType        string                 `json:"task_type"`
	ModelFamily     string                 `json:"model_family"`
	Checkpoint      string                 `json:"checkpoint"`
	Width           int                    `json:"width"`
	Height          int                    `json:"height"`
	Steps           int                    `json:"steps"`
	CFGScale        float64                `json:"cfg_scale"`
	DenoiseStrength float64                `json:"denoise_strength"`
	Sampler         string                 `json:"sampler"`
	Scheduler       string                 `json:"scheduler"`
	Seed            int64                  `json:"seed"`
	PreferredWorker string                 `json:"preferred_gpu"`
	SourceImageID   string                 `json:"source_image_id"`
	Template        string                 `json:"workflow_template"`
	Adapters        []workflow.AdapterSpec `json:"loras"`
}

// GenerateResponse acknowledges a queued generation.
type GenerateResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Status    Status `json:"status"`
	WorkerID  string `json:"gpu_id"`
}

// BatchRequest is the client payload for a batch of generations sharing one
// prompt. Checkpoints, when set, are assigned round-robin across members.
type BatchRequest struct {
	SessionID      string                 `json:"session_id"`
	Stage          int                    `json:"stage"`
	Prompt         string                 `json:"prompt"`
	NegativePrompt string                 `json:"negative_prompt"`
	TaskType       string                 `json:"task_type"`
	ModelFamily    string                 `json:"model_family"`
	Checkpoint     string                 `json:"checkpoint"`
	Checkpoints    []string               `json:"checkpoints"`
	Count          int                    `json:"count"`
	Width          int                    `json:"width"`
	Height         int                    `json:"height"`
	Steps          int                    `json:"steps"`
	CFGScale       float64                `json:"cfg_scale"`
	Sampler        string                 `json:"sampler"`
	Scheduler      string                 `json:"scheduler"`
	SeedStart      int64                  `json:"seed_start"`
	Adapters       []workflow.AdapterSpec `json:"loras"`
}

// BatchResponse acknowledges a queued batch with its per-worker split.
type BatchResponse struct {
	BatchID           string         `json:"batch_id"`
	SessionID         string         `json:"session_id"`
	TotalCount        int            `json:"total_count"`
	WorkerAssignments map[string]int `json:"gpu_assignments"`
}

const maxBatchCount = 100

// Service accepts generation requests, routes them, builds graphs, persists
// records, and spawns one driver goroutine per job.
type Service struct {
	router *router.Router
	engine *workflow.Engine
	pool   *worker.Pool
	store  *Store
	images *ImageStore
	driver *Driver
	log    *zap.SugaredLogger

	ctx context.Context // lifecycle context inherited by every driver
	wg  sync.WaitGroup
}

// NewService wires the dispatch service. ctx bounds the lifetime of every
// driver the service spawns.
func NewService(
	ctx context.Context,
	r *router.Router,
	engine *workflow.Engine,
	pool *worker.Pool,
	store *Store,
	images *ImageStore,
	driver *Driver,
	log *zap.SugaredLogger,
) *Service {
	return &Service{
		router: r,
		engine: engine,
		pool:   pool,
		store:  store,
		images: images,
		driver: driver,
		log:    log,
		ctx:    ctx,
	}
}

// Store exposes the generation store for read endpoints.
func (s *Service) Store() *Store { return s.store }

// Images exposes the image store for read endpoints.
func (s *Service) Images() *ImageStore { return s.images }

// WorkerModels fetches the node schema a worker advertises, used to
// enumerate the checkpoints and adapters installed on it.
func (s *Service) WorkerModels(ctx context.Context, workerID string) (map[string]json.RawMessage, error) {
	client, err := s.pool.Get(workerID)
	if err != nil {
		return nil, err
	}
	return client.ObjectInfo(ctx)
}

// Drain waits for every in-flight driver to reach a terminal state. Call
// after cancelling the service context.
func (s *Service) Drain() {
	s.wg.Wait()
}

// Generate queues one generation and returns immediately; the driver runs
// in the background.
func (s *Service) Generate(req GenerateRequest) (*GenerateResponse, error) {
	if err := validateCommon(req.SessionID, req.Prompt); err != nil {
		return nil, err
	}
	taskType, family := normalizeTask(req.TaskType, req.ModelFamily)

	node, err := s.router.Route(taskType, req.PreferredWorker, family)
	if err != nil {
		return nil, err
	}

	templateName := req.Template
	if templateName == "" {
		templateName, err = s.engine.Select(family, req.SourceImageID != "", len(req.Adapters) > 0)
		if err != nil {
			return nil, err
		}
	}

	generationID := uuid.NewString()
	seed := resolveSeed(req.Seed)

	params := workflow.Params{
		Prompt:          req.Prompt,
		NegativePrompt:  req.NegativePrompt,
		ModelFamily:     family,
		Checkpoint:      req.Checkpoint,
		Width:           req.Width,
		Height:          req.Height,
		Steps:           req.Steps,
		CFGScale:        req.CFGScale,
		DenoiseStrength: req.DenoiseStrength,
		Sampler:         req.Sampler,
		Scheduler:       req.Scheduler,
		Seed:            seed,
		FilenamePrefix:  "imgen_" + req.SessionID + "_" + generationID,
		Adapters:        req.Adapters,
	}

	if req.SourceImageID != "" {
		sourceName, err := s.uploadSourceImage(node.ID, generationID, req.SourceImageID)
		if err != nil {
			return nil, err
		}
		params.SourceImage = sourceName
	}

	graph, err := s.engine.Build(templateName, params, node)
	if err != nil {
		return nil, err
	}
	encoded, err := graph.Encode()
	if err != nil {
		return nil, err
	}

	record := &Generation{
		ID:             generationID,
		SessionID:      req.SessionID,
		Stage:          req.Stage,
		TaskType:       string(taskType),
		ModelFamily:    family,
		Checkpoint:     req.Checkpoint,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Params:         marshalParams(params),
		Adapters:       marshalAdapters(req.Adapters),
		WorkerID:       node.ID,
		Seed:           seed,
	}
	if err := s.store.Create(record); err != nil {
		return nil, err
	}

	s.spawn(Job{
		GenerationID: generationID,
		SessionID:    req.SessionID,
		Stage:        req.Stage,
		WorkerID:     node.ID,
		Graph:        encoded,
		Seed:         seed,
	})

	return &GenerateResponse{
		ID:        generationID,
		SessionID: req.SessionID,
		Status:    StatusQueued,
		WorkerID:  node.ID,
	}, nil
}

// GenerateBatch splits count generations across the fleet. Member seeds are
// sequential from the resolved base seed; member checkpoints round-robin
// over the request's checkpoint list.
func (s *Service) GenerateBatch(req BatchRequest) (*BatchResponse, error) {
	if err := validateCommon(req.SessionID, req.Prompt); err != nil {
		return nil, err
	}
	if req.Count < 1 || req.Count > maxBatchCount {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "count must be 1..%d, got %d", maxBatchCount, req.Count)
	}
	taskType, family := normalizeTask(req.TaskType, req.ModelFamily)

	assignments, err := s.router.RouteBatch(taskType, req.Count, family)
	if err != nil {
		return nil, err
	}

	templateName, err := s.engine.Select(family, false, len(req.Adapters) > 0)
	if err != nil {
		return nil, err
	}

	checkpoints := req.Checkpoints
	if len(checkpoints) == 0 {
		checkpoints = []string{req.Checkpoint}
	}

	batchID := uuid.NewString()
	baseSeed := resolveSeed(req.SeedStart)

	workerAssignments := make(map[string]int, len(assignments))
	index := 0
	for _, assignment := range assignments {
		workerAssignments[assignment.Node.ID] = assignment.Count

		for i := 0; i < assignment.Count; i++ {
			generationID := uuid.NewString()
			seed := baseSeed + int64(index)
			checkpoint := checkpoints[index%len(checkpoints)]

			params := workflow.Params{
				Prompt:         req.Prompt,
				NegativePrompt: req.NegativePrompt,
				ModelFamily:    family,
				Checkpoint:     checkpoint,
				Width:          req.Width,
				Height:         req.Height,
				Steps:          req.Steps,
				CFGScale:       req.CFGScale,
				Sampler:        req.Sampler,
				Scheduler:      req.Scheduler,
				Seed:           seed,
				FilenamePrefix: "imgen_" + req.SessionID + "_" + generationID,
				Adapters:       req.Adapters,
			}

			graph, err := s.engine.Build(templateName, params, assignment.Node)
			if err != nil {
				return nil, err
			}
			encoded, err := graph.Encode()
			if err != nil {
				return nil, err
			}

			record := &Generation{
				ID:             generationID,
				SessionID:      req.SessionID,
				Stage:          req.Stage,
				BatchID:        batchID,
				BatchIndex:     index,
				TaskType:       string(taskType),
				ModelFamily:    family,
				Checkpoint:     checkpoint,
				Prompt:         req.Prompt,
				NegativePrompt: req.NegativePrompt,
				Params:         marshalParams(params),
				Adapters:       marshalAdapters(req.Adapters),
				WorkerID:       assignment.Node.ID,
				Seed:           seed,
			}
			if err := s.store.Create(record); err != nil {
				return nil, err
			}

			s.spawn(Job{
				GenerationID: generationID,
				SessionID:    req.SessionID,
				Stage:        req.Stage,
				WorkerID:     assignment.Node.ID,
				Graph:        encoded,
				Seed:         seed,
				BatchID:      batchID,
				BatchIndex:   index,
				BatchTotal:   req.Count,
			})
			index++
		}
	}

	s.log.Infow("Batch queued",
		"batch_id", batchID,
		"session_id", req.SessionID,
		"count", req.Count,
		"workers", len(workerAssignments),
	)

	return &BatchResponse{
		BatchID:           batchID,
		SessionID:         req.SessionID,
		TotalCount:        req.Count,
		WorkerAssignments: workerAssignments,
	}, nil
}

// uploadSourceImage pushes a previously generated image to the target
// worker so an img2img graph can load it.
func (s *Service) uploadSourceImage(workerID, generationID, sourceID string) (string, error) {
	source, err := s.store.Get(sourceID)
	if err != nil {
		return "", errors.Wrapf(err, "source image %s", sourceID)
	}
	if source.ImagePath == "" {
		return "", errors.Wrapf(errors.ErrInvalidRequest, "source generation %s has no image", sourceID)
	}

	data, err := s.images.Load(source.ImagePath)
	if err != nil {
		return "", err
	}

	client, err := s.pool.Get(workerID)
	if err != nil {
		return "", err
	}
	return client.Upload(s.ctx, data, generationID+"_source.png")
}

func (s *Service) spawn(job Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.driver.Run(s.ctx, job)
	}()
}

func validateCommon(sessionID, prompt string) error {
	if sessionID == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "session_id is required")
	}
	if prompt == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "prompt is required")
	}
	return nil
}

func normalizeTask(taskType, family string) (router.TaskType, string) {
	if taskType == "" {
		taskType = string(router.TaskStandard)
	}
	if family == "" {
		family = "sdxl"
	}
	return router.TaskType(taskType), family
}

// resolveSeed maps the randomize sentinel to a fresh seed. An absent seed
// decodes as zero and randomizes too.
func resolveSeed(seed int64) int64 {
	if seed <= 0 {
		return int64(rand.Uint32())
	}
	return seed
}

func marshalParams(p workflow.Params) string {
	data, err := json.Marshal(map[string]any{
		"width":            p.Width,
		"height":           p.Height,
		"steps":            p.Steps,
		"cfg_scale":        p.CFGScale,
		"denoise_strength": p.DenoiseStrength,
		"sampler":          p.Sampler,
		"scheduler":        p.Scheduler,
	})
	if err != nil {
		return ""
	}
	return string(data)
}

func marshalAdapters(adapters []workflow.AdapterSpec) string {
	if len(adapters) == 0 {
		return ""
	}
	data, err := json.Marshal(adapters)
	if err != nil {
		return ""
	}
	return string(data)
}

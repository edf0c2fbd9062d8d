package progress

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Sink receives serialized events for one session. The server wraps each
// client connection in a Sink; tests use in-memory sinks.
type Sink interface {
	Send(payload []byte) error
}

type promptRoute struct {
	sessionID    string
	generationID string
	workerID     string
}

// Aggregator owns the prompt-to-session mapping and the per-session sink
// lists. All methods are safe for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	prompts  map[string]promptRoute
	sessions map[string][]Sink
	log      *zap.SugaredLogger
}

// NewAggregator creates an empty aggregator.
func NewAggregator(log *zap.SugaredLogger) *Aggregator {
	return &Aggregator{
		prompts:  make(map[string]promptRoute),
		sessions: make(map[string][]Sink),
		log:      log,
	}
}

// RegisterPrompt maps a worker prompt id to its session, generation, and
// worker so incoming worker events can be routed.
func (a *Aggregator) RegisterPrompt(promptID, sessionID, generationID, workerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts[promptID] = promptRoute{
		sessionID:    sessionID,
		generationID: generationID,
		workerID:     workerID,
	}
}

// UnregisterPrompt removes a prompt mapping. Safe to call for unknown ids.
func (a *Aggregator) UnregisterPrompt(promptID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.prompts, promptID)
}

// Subscribe attaches a sink to a session.
func (a *Aggregator) Subscribe(sessionID string, sink Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[sessionID] = append(a.sessions[sessionID], sink)
	a.log.Infow("Session sink subscribed", "session_id", sessionID)
}

// Unsubscribe detaches a sink. The session entry is dropped when its last
// sink leaves.
func (a *Aggregator) Unsubscribe(sessionID string, sink Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sinks := a.sessions[sessionID]
	for i, s := range sinks {
		if s == sink {
			sinks = append(sinks[:i], sinks[i+1:]...)
			break
		}
	}
	if len(sinks) == 0 {
		delete(a.sessions, sessionID)
	} else {
		a.sessions[sessionID] = sinks
	}
	a.log.Infow("Session sink unsubscribed", "session_id", sessionID)
}

// Publish serializes an event once and delivers it to every sink subscribed
// to the session. Sinks that fail to send are pruned. Events for sessions
// with no sinks are dropped.
func (a *Aggregator) Publish(sessionID string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		a.log.Errorw("Failed to serialize event",
			"session_id", sessionID,
			"event_type", event.EventType(),
			"error", err,
		)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	sinks := a.sessions[sessionID]
	if len(sinks) == 0 {
		a.log.Debugw("No sinks for session, dropping event",
			"session_id", sessionID,
			"event_type", event.EventType(),
		)
		return
	}

	alive := sinks[:0]
	for _, sink := range sinks {
		if err := sink.Send(payload); err != nil {
			a.log.Warnw("Dropping dead session sink",
				"session_id", sessionID,
				"error", err,
			)
			continue
		}
		alive = append(alive, sink)
	}
	if len(alive) == 0 {
		delete(a.sessions, sessionID)
	} else {
		a.sessions[sessionID] = alive
	}
}

// resolve finds the route for a worker event. When the event carries no
// prompt id, any registered prompt on the same worker is used. Workers run
// one job at a time, so the approximation holds.
func (a *Aggregator) resolve(workerID, promptID string) (promptRoute, string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if promptID == "" {
		for pid, route := range a.prompts {
			if route.workerID == workerID {
				return route, pid, true
			}
		}
		return promptRoute{}, "", false
	}

	route, ok := a.prompts[promptID]
	if !ok || route.workerID != workerID {
		return promptRoute{}, "", false
	}
	return route, promptID, true
}

// HandleWorkerEvent maps one decoded worker frame onto a client event and
// publishes it. Frames that resolve to no registered prompt are dropped.
func (a *Aggregator) HandleWorkerEvent(workerID string, msg WorkerMessage) {
	route, promptID, ok := a.resolve(workerID, msg.Data.PromptID)
	if !ok {
		return
	}

	var event Event
	switch msg.Type {
	case "progress":
		max := msg.Data.Max
		percent := 0.0
		if max > 0 {
			percent = float64(msg.Data.Value) / float64(max) * 100
		}
		event = GenerationProgress{
			Type:         TypeGenerationProgress,
			GenerationID: route.generationID,
			GPUID:        workerID,
			Step:         msg.Data.Value,
			TotalSteps:   max,
			Percent:      percent,
		}

	case "executed":
		if _, hasImages := msg.Data.Output["images"]; !hasImages {
			return
		}
		event = NodeComplete{
			Type:         TypeNodeComplete,
			GenerationID: route.generationID,
			GPUID:        workerID,
			NodeID:       msg.Data.Node,
			HasImages:    true,
		}

	case "execution_complete":
		// The prompt stays registered; the lifecycle driver unregisters it
		// after fetching outputs.
		event = CompleteSignal{
			Type:         TypeCompleteSignal,
			GenerationID: route.generationID,
			GPUID:        workerID,
			PromptID:     promptID,
		}

	case "execution_error":
		message := msg.Data.ExceptionMessage
		if message == "" {
			message = "Unknown worker error"
		}
		event = ErrorEvent{
			Type:         TypeError,
			GenerationID: route.generationID,
			Message:      message,
		}

	default:
		return
	}

	a.Publish(route.sessionID, event)
}

package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rodan32/imgen/worker"
)

// WorkerMessage is one decoded frame from a worker's event stream.
type WorkerMessage struct {
	Type string          `json:"type"`
	Data WorkerEventData `json:"data"`
}

// WorkerEventData is the union of fields the handled event types carry.
type WorkerEventData struct {
	PromptID         string                     `json:"prompt_id"`
	Value            int                        `json:"value"`
	Max              int                        `json:"max"`
	Node             string                     `json:"node"`
	Output           map[string]json.RawMessage `json:"output"`
	ExceptionMessage string                     `json:"exception_message"`
}

// Subscribers runs one event-stream listener per worker. Each listener
// reconnects forever with exponential backoff until stopped.
type Subscribers struct {
	agg    *Aggregator
	log    *zap.SugaredLogger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartSubscribers launches a listener goroutine for every client in the
// pool. Stop tears them all down.
func StartSubscribers(ctx context.Context, pool *worker.Pool, agg *Aggregator, log *zap.SugaredLogger) *Subscribers {
	subCtx, cancel := context.WithCancel(ctx)
	s := &Subscribers{
		agg:    agg,
		log:    log,
		cancel: cancel,
	}

	for _, client := range pool.All() {
		s.wg.Add(1)
		go s.listen(subCtx, client)
		log.Infow("Started worker event listener", "worker_id", client.WorkerID())
	}
	return s
}

// Stop cancels every listener and waits for them to exit.
func (s *Subscribers) Stop() {
	s.cancel()
	s.wg.Wait()
	s.log.Infow("Worker event listeners stopped")
}

// listen connects to one worker's event stream and forwards every decoded
// frame to the aggregator. Reconnects with backoff from 1s up to 30s; the
// backoff resets after each successful connect.
func (s *Subscribers) listen(ctx context.Context, client *worker.Client) {
	defer s.wg.Done()

	url := client.Node().WSURL() + "?clientId=" + client.ClientID()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			wait := b.NextBackOff()
			s.log.Debugw("Cannot connect to worker event stream",
				"worker_id", client.WorkerID(),
				"retry_in", wait,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		s.log.Infow("Connected to worker event stream",
			"worker_id", client.WorkerID(),
			"url", url,
		)
		b.Reset()

		s.readLoop(ctx, client.WorkerID(), conn)

		if ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		s.log.Warnw("Worker event stream disconnected",
			"worker_id", client.WorkerID(),
			"retry_in", wait,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// readLoop drains one connection until it fails or the context ends. Binary
// frames are image previews and are skipped; frames that fail to decode are
// skipped too.
func (s *Subscribers) readLoop(ctx context.Context, workerID string, conn *websocket.Conn) {
	defer conn.Close()

	// Unblock ReadMessage when the listener is stopped.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg WorkerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		s.agg.HandleWorkerEvent(workerID, msg)
	}
}

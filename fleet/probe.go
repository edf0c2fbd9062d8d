package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rodan32/imgen/internal/httpclient"
)

// prober runs the periodic health-check loop. Probe failures never surface
// to callers; they only flip node state.
type prober struct {
	cancel context.CancelFunc
	done   chan struct{}
	client *http.Client
}

type queueReply struct {
	Running []json.RawMessage `json:"queue_running"`
	Pending []json.RawMessage `json:"queue_pending"`
}

// StartProbes launches the background health-check loop. Every interval each
// node is probed concurrently: /system_stats for liveness, then /queue for
// depth. Safe to call once per registry.
func (r *Registry) StartProbes(ctx context.Context, interval, timeout time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	probeCtx, cancel := context.WithCancel(ctx)
	r.probe = &prober{
		cancel: cancel,
		done:   make(chan struct{}),
		client: httpclient.New(timeout, timeout),
	}

	r.log.Infow("Starting fleet health probes",
		"interval", interval,
		"nodes", len(r.nodes),
	)

	go func() {
		defer close(r.probe.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// Probe immediately so routing has health data before the first tick.
		r.ProbeAll(probeCtx)

		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				r.ProbeAll(probeCtx)
			}
		}
	}()
}

// StopProbes cancels the probe loop and awaits its termination.
func (r *Registry) StopProbes() {
	if r.probe == nil {
		return
	}
	r.probe.cancel()
	<-r.probe.done
	r.probe.client.CloseIdleConnections()
	r.log.Infow("Fleet health probes stopped")
}

// ProbeAll checks every node concurrently and returns per-node verdicts.
func (r *Registry) ProbeAll(ctx context.Context) map[string]bool {
	results := make(map[string]bool, len(r.nodes))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range r.All() {
		node := node
		g.Go(func() error {
			ok := r.probeNode(gctx, node)
			mu.Lock()
			results[node.ID] = ok
			mu.Unlock()
			return nil // probe failures are state, not errors
		})
	}
	g.Wait()
	return results
}

// probeNode checks one worker. Success requires a 2xx from /system_stats;
// the follow-up /queue fetch is best-effort.
func (r *Registry) probeNode(ctx context.Context, node *Node) bool {
	client := http.DefaultClient
	if r.probe != nil {
		client = r.probe.client
	}

	start := time.Now()
	ok := func() bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.BaseURL()+"/system_stats", nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}()
	latency := time.Since(start)

	if !ok {
		node.markUnhealthy()
		healthyGauge.WithLabelValues(node.ID).Set(0)
		r.log.Warnw("Health probe failed",
			"worker_id", node.ID,
			"name", node.Name,
		)
		return false
	}

	queueLength := node.QueueLength()
	if running, pending, err := r.fetchQueueDepth(ctx, client, node); err == nil {
		queueLength = running + pending
	}

	node.markHealthy(latency, queueLength)
	healthyGauge.WithLabelValues(node.ID).Set(1)
	probeLatencyGauge.WithLabelValues(node.ID).Set(float64(latency.Milliseconds()))
	queueLengthGauge.WithLabelValues(node.ID).Set(float64(queueLength))

	r.log.Debugw("Health probe ok",
		"worker_id", node.ID,
		"latency_ms", latency.Milliseconds(),
		"queue_length", queueLength,
	)
	return true
}

func (r *Registry) fetchQueueDepth(ctx context.Context, client *http.Client, node *Node) (running, pending int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.BaseURL()+"/queue", nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("queue fetch returned %d", resp.StatusCode)
	}

	var reply queueReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return 0, 0, err
	}
	return len(reply.Running), len(reply.Pending), nil
}

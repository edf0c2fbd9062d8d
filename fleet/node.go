// Package fleet tracks the GPU worker fleet: static capability metadata
// loaded from YAML plus runtime health and queue-depth state maintained by
// the probe loop and load accounting.
package fleet

import (
	"fmt"
	"sync"
	"time"
)

// Tier is the ordinal hardware grouping used for routing bias.
type Tier string

const (
	TierDraft    Tier = "draft"
	TierStandard Tier = "standard"
	TierQuality  Tier = "quality"
	TierPremium  Tier = "premium"
)

var tierOrder = map[Tier]int{
	TierDraft:    0,
	TierStandard: 1,
	TierQuality:  2,
	TierPremium:  3,
}

// Rank returns the tier's position in the total order draft < standard <
// quality < premium. Unknown tiers rank below draft.
func (t Tier) Rank() int {
	if r, ok := tierOrder[t]; ok {
		return r
	}
	return -1
}

// Valid reports whether t is one of the four known tiers.
func (t Tier) Valid() bool {
	_, ok := tierOrder[t]
	return ok
}

// Capability tags a worker advertises. A worker lists the model families and
// auxiliary operations it can execute.
const (
	CapSD15        = "sd15"
	CapSDXL        = "sdxl"
	CapPony        = "pony"
	CapIllustrious = "illustrious"
	CapFlux        = "flux"
	CapFluxFP8     = "flux_fp8"
	CapUpscale     = "upscale"
	CapControlNet  = "controlnet"
	CapIPAdapter   = "ipadapter"
	CapFaceID      = "faceid"
)

// Node is one GPU worker. Identity, capabilities, and tier are immutable
// after load; health and queue depth are runtime state owned by the
// registry's probe loop and load accounting.
type Node struct {
	ID            string
	Name          string
	VRAMGB        int
	Tier          Tier
	Host          string
	Port          int
	Capabilities  map[string]bool
	MaxResolution int
	MaxBatch      int

	// Runtime state. One short critical section per node so unrelated
	// workers never contend.
	mu           sync.Mutex
	healthy      bool
	queueLength  int
	probeLatency time.Duration
	probeTime    time.Time
}

// BaseURL returns the worker's HTTP base URL.
func (n *Node) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", n.Host, n.Port)
}

// WSURL returns the worker's event-stream URL.
func (n *Node) WSURL() string {
	return fmt.Sprintf("ws://%s:%d/ws", n.Host, n.Port)
}

// TierRank returns the node's tier rank (draft=0 .. premium=3).
func (n *Node) TierRank() int {
	return n.Tier.Rank()
}

// HasCapability reports whether the node advertises cap.
func (n *Node) HasCapability(cap string) bool {
	return n.Capabilities[cap]
}

// Healthy reports the last probe verdict.
func (n *Node) Healthy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.healthy
}

// QueueLength returns the current queue depth estimate.
func (n *Node) QueueLength() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.queueLength
}

// ProbeStats returns the latency and time of the last successful probe.
func (n *Node) ProbeStats() (time.Duration, time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.probeLatency, n.probeTime
}

// markHealthy records a successful probe: latency, probe time, and the
// worker-reported queue depth (running + pending).
func (n *Node) markHealthy(latency time.Duration, queueLength int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.healthy = true
	n.probeLatency = latency
	n.probeTime = time.Now()
	n.queueLength = queueLength
}

// markUnhealthy records a failed probe. Queue depth is left as-is; in-flight
// jobs already assigned to this node are unaffected.
func (n *Node) markUnhealthy() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.healthy = false
	n.probeTime = time.Now()
}

func (n *Node) incrementLoad() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.queueLength++
	return n.queueLength
}

// decrementLoad clamps at zero: a probe may have already refreshed the queue
// depth from the worker's own accounting.
func (n *Node) decrementLoad() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.queueLength > 0 {
		n.queueLength--
	}
	return n.queueLength
}

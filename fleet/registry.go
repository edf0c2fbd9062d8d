package fleet

import (
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rodan32/imgen/errors"
)

// nodeDoc mirrors one entry of the fleet YAML. Unknown fields are ignored by
// the YAML decoder; missing required fields abort startup.
type nodeDoc struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	VRAMGB        int      `yaml:"vram_gb"`
	Tier          string   `yaml:"tier"`
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	Capabilities  []string `yaml:"capabilities"`
	MaxResolution int      `yaml:"max_resolution"`
	MaxBatch      int      `yaml:"max_batch"`
}

type fleetDoc struct {
	Nodes []nodeDoc `yaml:"nodes"`
}

// Registry holds the worker fleet. Nodes are registered once at load; the
// map itself is never mutated afterwards, so reads need no locking.
type Registry struct {
	nodes map[string]*Node
	order []string // stable iteration order = config order
	log   *zap.SugaredLogger

	probe *prober
}

// NewRegistry creates an empty registry.
func NewRegistry(log *zap.SugaredLogger) *Registry {
	return &Registry{
		nodes: make(map[string]*Node),
		log:   log,
	}
}

// LoadFile parses the fleet YAML document and registers every node.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read fleet config %s", path)
	}
	return r.Load(data)
}

// Load parses a fleet document from bytes.
func (r *Registry) Load(data []byte) error {
	var doc fleetDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, "parse fleet config")
	}

	for i, entry := range doc.Nodes {
		node, err := nodeFromDoc(entry)
		if err != nil {
			return errors.Wrapf(err, "fleet node %d", i)
		}
		if _, dup := r.nodes[node.ID]; dup {
			return errors.Newf("duplicate worker id %q in fleet config", node.ID)
		}
		r.nodes[node.ID] = node
		r.order = append(r.order, node.ID)
		r.log.Infow("Registered worker node",
			"worker_id", node.ID,
			"name", node.Name,
			"tier", node.Tier,
			"vram_gb", node.VRAMGB,
			"capabilities", len(node.Capabilities),
		)
	}
	return nil
}

func nodeFromDoc(d nodeDoc) (*Node, error) {
	switch {
	case d.ID == "":
		return nil, errors.New("missing required field: id")
	case d.Name == "":
		return nil, errors.New("missing required field: name")
	case d.Host == "":
		return nil, errors.New("missing required field: host")
	case d.Port == 0:
		return nil, errors.New("missing required field: port")
	case d.VRAMGB == 0:
		return nil, errors.New("missing required field: vram_gb")
	}

	tier := Tier(d.Tier)
	if !tier.Valid() {
		return nil, errors.Newf("unknown tier %q", d.Tier)
	}

	caps := make(map[string]bool, len(d.Capabilities))
	for _, c := range d.Capabilities {
		caps[c] = true
	}

	maxRes := d.MaxResolution
	if maxRes == 0 {
		maxRes = 1024
	}
	maxBatch := d.MaxBatch
	if maxBatch == 0 {
		maxBatch = 1
	}

	return &Node{
		ID:            d.ID,
		Name:          d.Name,
		VRAMGB:        d.VRAMGB,
		Tier:          tier,
		Host:          d.Host,
		Port:          d.Port,
		Capabilities:  caps,
		MaxResolution: maxRes,
		MaxBatch:      maxBatch,
	}, nil
}

// Get returns the node with the given id, or nil.
func (r *Registry) Get(id string) *Node {
	return r.nodes[id]
}

// All returns every node in config order.
func (r *Registry) All() []*Node {
	out := make([]*Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id])
	}
	return out
}

// Healthy returns nodes that passed their last probe, in config order.
func (r *Registry) Healthy() []*Node {
	var out []*Node
	for _, n := range r.All() {
		if n.Healthy() {
			out = append(out, n)
		}
	}
	return out
}

// Capable returns healthy nodes advertising the capability, in config order.
func (r *Registry) Capable(capability string) []*Node {
	var out []*Node
	for _, n := range r.All() {
		if n.Healthy() && n.HasCapability(capability) {
			out = append(out, n)
		}
	}
	return out
}

// AtOrAboveTier returns healthy nodes whose tier rank is at least min's.
func (r *Registry) AtOrAboveTier(min Tier) []*Node {
	minRank := min.Rank()
	var out []*Node
	for _, n := range r.All() {
		if n.Healthy() && n.TierRank() >= minRank {
			out = append(out, n)
		}
	}
	return out
}

// LeastLoaded returns the candidate with the shortest queue. Ties break by
// input order, which keeps routing reproducible across runs.
func (r *Registry) LeastLoaded(candidates []*Node) *Node {
	var best *Node
	bestLen := 0
	for _, n := range candidates {
		l := n.QueueLength()
		if best == nil || l < bestLen {
			best = n
			bestLen = l
		}
	}
	return best
}

// IncrementLoad bumps the node's queue depth when a job is assigned.
func (r *Registry) IncrementLoad(id string) {
	if n := r.nodes[id]; n != nil {
		q := n.incrementLoad()
		queueLengthGauge.WithLabelValues(id).Set(float64(q))
	}
}

// DecrementLoad releases a slot when a job reaches a terminal state.
// Clamped at zero.
func (r *Registry) DecrementLoad(id string) {
	if n := r.nodes[id]; n != nil {
		q := n.decrementLoad()
		queueLengthGauge.WithLabelValues(id).Set(float64(q))
	}
}

// Package workflow loads parameterized job-graph templates and builds
// per-request worker graphs: placeholder substitution, worker-tier clamping,
// and adapter chain splicing.
package workflow

import (
	"encoding/json"

	"github.com/rodan32/imgen/errors"
)

// Node is one typed node of a job graph. Input values are literals or
// [source_node_id, output_index] references.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
}

// Graph is a job graph keyed by integer-valued string node ids.
type Graph map[string]*Node

// Clone deep-copies a graph via a JSON round trip so builds never mutate
// the loaded template.
func (g Graph) Clone() (Graph, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, errors.Wrap(err, "marshal graph for clone")
	}
	var out Graph
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "unmarshal graph clone")
	}
	return out, nil
}

// Encode renders the graph as the JSON payload submitted to a worker.
func (g Graph) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, errors.Wrap(err, "encode graph")
	}
	return data, nil
}

// AdapterSpec names a secondary model adapter and its strengths. Request
// order is meaningful: adapters are spliced into the graph in this order.
type AdapterSpec struct {
	Name          string  `json:"name"`
	StrengthModel float64 `json:"strength_model"`
	StrengthClip  float64 `json:"strength_clip"`
}

// Params is the request-parameter snapshot substituted into a template.
type Params struct {
	Prompt          string
	NegativePrompt  string
	ModelFamily     string
	Checkpoint      string
	Width           int
	Height          int
	Steps           int
	CFGScale        float64
	DenoiseStrength float64
	Sampler         string
	Scheduler       string
	Seed            int64
	FilenamePrefix  string
	SourceImage     string // worker-side filename for seed-image graphs
	Adapters        []AdapterSpec
}

// ManifestEntry is the metadata for one template as declared in
// manifest.yaml.
type ManifestEntry struct {
	Name            string         `yaml:"name" json:"name"`
	Description     string         `yaml:"description" json:"description"`
	ModelFamilies   []string       `yaml:"model_families" json:"model_families"`
	SupportsImg2Img bool           `yaml:"supports_img2img" json:"supports_img2img"`
	SupportsLora    bool           `yaml:"supports_lora" json:"supports_lora"`
	DefaultParams   map[string]any `yaml:"default_params" json:"default_params"`
}

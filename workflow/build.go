package workflow

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"

	"github.com/rodan32/imgen/errors"
	"github.com/rodan32/imgen/fleet"
)

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Build assembles a submit-ready graph from a template. The template is
// cloned, placeholders are substituted with resolved parameters, draft-tier
// limits are applied, and any adapters are spliced into the model chain.
// A nil node skips tier clamping.
func (e *Engine) Build(templateName string, p Params, node *fleet.Node) (Graph, error) {
	template, ok := e.templates[templateName]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNoTemplate, "unknown template %q", templateName)
	}

	graph, err := template.Clone()
	if err != nil {
		return nil, err
	}

	values := e.resolveValues(p, node)
	for _, n := range graph {
		for key, val := range n.Inputs {
			n.Inputs[key] = substitute(val, values)
		}
	}

	if len(p.Adapters) > 0 {
		e.spliceAdapters(graph, p.Adapters)
	}

	return graph, nil
}

// resolveValues fills the substitution table, applying request defaults and
// the worker's tier limits.
func (e *Engine) resolveValues(p Params, node *fleet.Node) map[string]any {
	checkpoint := p.Checkpoint
	if checkpoint == "" {
		checkpoint = defaultCheckpoints[p.ModelFamily]
		if checkpoint == "" {
			checkpoint = fallbackCheckpoint
		}
	}

	seed := p.Seed
	if seed == -1 {
		seed = int64(rand.Uint32())
	}

	width := intOr(p.Width, 1024)
	height := intOr(p.Height, 1024)
	steps := intOr(p.Steps, 20)
	cfg := floatOr(p.CFGScale, 7.0)
	denoise := floatOr(p.DenoiseStrength, 1.0)
	sampler := stringOr(p.Sampler, "euler")
	scheduler := stringOr(p.Scheduler, "normal")
	prefix := stringOr(p.FilenamePrefix, "imgen")

	// Draft workers run reduced step counts and resolution regardless of
	// what the request asked for.
	if node != nil && node.Tier == fleet.TierDraft {
		steps = min(steps, 12)
		width = min(width, 512)
		height = min(height, 512)
	}

	values := map[string]any{
		"prompt":           p.Prompt,
		"negative_prompt":  p.NegativePrompt,
		"checkpoint":       checkpoint,
		"width":            width,
		"height":           height,
		"steps":            steps,
		"cfg_scale":        cfg,
		"sampler":          sampler,
		"scheduler":        scheduler,
		"denoise_strength": denoise,
		"seed":             seed,
		"filename_prefix":  prefix,
	}
	if p.SourceImage != "" {
		values["source_image_filename"] = p.SourceImage
	}
	return values
}

// substitute resolves {{name}} placeholders in one input value. A string
// that is exactly one placeholder takes the typed value; placeholders inside
// longer strings are stringified in place; unknown names are left literal.
// References and nested lists are walked recursively.
func substitute(val any, values map[string]any) any {
	switch v := val.(type) {
	case string:
		if m := placeholderRe.FindStringSubmatch(v); m != nil && m[0] == v {
			if typed, ok := values[m[1]]; ok {
				return typed
			}
		}
		return placeholderRe.ReplaceAllStringFunc(v, func(match string) string {
			name := match[2 : len(match)-2]
			typed, ok := values[name]
			if !ok {
				return match
			}
			return stringify(typed)
		})
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = substitute(item, values)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = substitute(item, values)
		}
		return out
	default:
		return val
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// spliceAdapters inserts an adapter loader chain between the checkpoint
// loader and its model/clip consumers. A graph with no checkpoint loader is
// left untouched.
func (e *Engine) spliceAdapters(graph Graph, adapters []AdapterSpec) {
	maxID := 0
	for id := range graph {
		if n, err := strconv.Atoi(id); err == nil && n > maxID {
			maxID = n
		}
	}
	// Fresh ids sit above every existing id, starting no lower than 100 so
	// spliced nodes are visually distinct from template nodes.
	nextID := maxID + 1
	if nextID < 100 {
		nextID = 100
	}

	loaderID := ""
	for id, node := range graph {
		if node.ClassType == "CheckpointLoaderSimple" || node.ClassType == "CheckpointLoader" {
			loaderID = id
			break
		}
	}
	if loaderID == "" {
		e.log.Warnw("No checkpoint loader in graph, skipping adapter splice",
			"adapters", len(adapters),
		)
		return
	}

	type consumer struct {
		nodeID string
		input  string
	}
	var modelConsumers, clipConsumers []consumer
	for id, node := range graph {
		for key, val := range node.Inputs {
			ref, ok := val.([]any)
			if !ok || len(ref) != 2 {
				continue
			}
			src, ok := ref[0].(string)
			if !ok || src != loaderID {
				continue
			}
			switch outputIndex(ref[1]) {
			case 0:
				modelConsumers = append(modelConsumers, consumer{id, key})
			case 1:
				clipConsumers = append(clipConsumers, consumer{id, key})
			}
		}
	}

	modelSource := []any{loaderID, 0}
	clipSource := []any{loaderID, 1}
	for _, a := range adapters {
		id := strconv.Itoa(nextID)
		nextID++

		strengthModel := a.StrengthModel
		if strengthModel == 0 {
			strengthModel = 0.8
		}
		strengthClip := a.StrengthClip
		if strengthClip == 0 {
			strengthClip = 0.8
		}

		graph[id] = &Node{
			ClassType: "LoraLoader",
			Inputs: map[string]any{
				"lora_name":      a.Name,
				"strength_model": strengthModel,
				"strength_clip":  strengthClip,
				"model":          modelSource,
				"clip":           clipSource,
			},
		}
		modelSource = []any{id, 0}
		clipSource = []any{id, 1}
	}

	for _, c := range modelConsumers {
		graph[c.nodeID].Inputs[c.input] = modelSource
	}
	for _, c := range clipConsumers {
		graph[c.nodeID].Inputs[c.input] = clipSource
	}

	e.log.Infow("Spliced adapters into graph", "count", len(adapters))
}

// outputIndex normalizes the second element of a node reference, which is
// an int when built in code and a float64 after JSON decoding.
func outputIndex(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	default:
		return -1
	}
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func floatOr(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

func stringOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

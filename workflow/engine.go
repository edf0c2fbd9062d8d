package workflow

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rodan32/imgen/errors"
)

// defaultCheckpoints maps a model family to the base model used when a
// request names none.
var defaultCheckpoints = map[string]string{
	"sd15":        "v1-5-pruned-emaonly.safetensors",
	"sdxl":        "sd_xl_base_1.0.safetensors",
	"pony":        "sd_xl_base_1.0.safetensors",
	"illustrious": "sd_xl_base_1.0.safetensors",
	"flux":        "flux1-dev-fp8.safetensors",
}

const fallbackCheckpoint = "sd_xl_base_1.0.safetensors"

type manifestDoc struct {
	Templates []ManifestEntry `yaml:"templates"`
}

// Engine holds the loaded template set. Load once at startup; all later
// access is read-only.
type Engine struct {
	dir       string
	templates map[string]Graph
	manifest  map[string]ManifestEntry
	order     []string // manifest declaration order, for deterministic fallback
	log       *zap.SugaredLogger
}

// NewEngine creates an engine rooted at a template directory. Call Load
// before selecting or building.
func NewEngine(dir string, log *zap.SugaredLogger) *Engine {
	return &Engine{
		dir:       dir,
		templates: make(map[string]Graph),
		manifest:  make(map[string]ManifestEntry),
		log:       log,
	}
}

// Load reads manifest.yaml and every template graph it names. A manifest
// entry whose JSON file is missing is skipped with a warning; a graph that
// fails to parse is an error.
func (e *Engine) Load() error {
	manifestPath := filepath.Join(e.dir, "manifest.yaml")
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return errors.Wrapf(err, "read template manifest %s", manifestPath)
	}

	var doc manifestDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrapf(err, "parse template manifest %s", manifestPath)
	}

	for _, entry := range doc.Templates {
		if entry.Name == "" {
			return errors.Newf("template manifest %s: entry missing name", manifestPath)
		}
		jsonPath := filepath.Join(e.dir, entry.Name+".json")
		raw, err := os.ReadFile(jsonPath)
		if err != nil {
			e.log.Warnw("Template in manifest but graph file missing",
				"template", entry.Name,
				"path", jsonPath,
			)
			continue
		}

		var graph Graph
		if err := json.Unmarshal(raw, &graph); err != nil {
			return errors.Wrapf(errors.ErrBadTemplate, "template %s: %v", entry.Name, err)
		}

		e.templates[entry.Name] = graph
		e.manifest[entry.Name] = entry
		e.order = append(e.order, entry.Name)
		e.log.Infow("Loaded workflow template", "template", entry.Name)
	}

	e.log.Infow("Workflow templates ready", "count", len(e.templates))
	return nil
}

// familyPrefix maps a model family to its template naming prefix. The
// sdxl-derived families share the sdxl graphs.
func familyPrefix(family string) string {
	switch family {
	case "flux":
		return "flux"
	case "sd15":
		return "sd15"
	default:
		return "sdxl"
	}
}

// Select picks the template for a request. Adapter templates win over
// seed-image templates, which win over plain text-to-image. When no
// prefix-named template exists the first manifest entry covering the family
// (or declaring "any") is used; otherwise ErrNoTemplate.
func (e *Engine) Select(family string, isImg2Img, hasAdapters bool) (string, error) {
	prefix := familyPrefix(family)

	if hasAdapters {
		if _, ok := e.templates[prefix+"_with_lora"]; ok {
			return prefix + "_with_lora", nil
		}
	}
	if isImg2Img {
		if _, ok := e.templates[prefix+"_img2img"]; ok {
			return prefix + "_img2img", nil
		}
	}
	if _, ok := e.templates[prefix+"_txt2img"]; ok {
		return prefix + "_txt2img", nil
	}

	for _, name := range e.order {
		for _, f := range e.manifest[name].ModelFamilies {
			if f == family || f == "any" {
				return name, nil
			}
		}
	}

	return "", errors.Wrapf(errors.ErrNoTemplate, "model_family=%s", family)
}

// Has reports whether a template is loaded.
func (e *Engine) Has(name string) bool {
	_, ok := e.templates[name]
	return ok
}

// Templates returns the loaded templates' metadata in manifest order.
func (e *Engine) Templates() []ManifestEntry {
	out := make([]ManifestEntry, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.manifest[name])
	}
	return out
}

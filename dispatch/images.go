package dispatch

import (
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/rodan32/imgen/errors"
)

// ImageStore writes finished images to disk, laid out as
// <root>/<session_id>/stage_<n>/<generation_id>.png.
type ImageStore struct {
	root string
	log  *zap.SugaredLogger
}

// NewImageStore creates a store rooted at dir.
func NewImageStore(dir string, log *zap.SugaredLogger) *ImageStore {
	return &ImageStore{root: dir, log: log}
}

// Save writes one image and returns its path relative to the store root.
func (s *ImageStore) Save(sessionID string, stage int, generationID string, data []byte) (string, error) {
	rel := filepath.Join(sessionID, "stage_"+strconv.Itoa(stage), generationID+".png")
	abs := filepath.Join(s.root, rel)

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", errors.Wrapf(err, "create image dir for %s", generationID)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "write image %s", generationID)
	}

	s.log.Debugw("Saved image",
		"generation_id", generationID,
		"path", rel,
		"bytes", len(data),
	)
	return rel, nil
}

// Load reads a previously saved image by its relative path.
func (s *ImageStore) Load(rel string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrNotFound, "image %s", rel)
		}
		return nil, errors.Wrapf(err, "read image %s", rel)
	}
	return data, nil
}

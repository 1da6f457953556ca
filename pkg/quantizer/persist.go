package quantizer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hed1ad/gotrafficml/pkg/modelerr"
	"github.com/hed1ad/gotrafficml/pkg/store"
)

// ArtifactName is the artifact name used by SaveDir and FromPretrained.
const ArtifactName = "quantizer.json"

const artifactVersion = 1

type artifact struct {
	Version  int       `json:"version"`
	Features []Feature `json:"features"`
}

// Save serializes the fitted parameters. The original training data is not stored.
func (q *Quantizer) Save() ([]byte, error) {
	return json.MarshalIndent(artifact{
		Version:  artifactVersion,
		Features: q.features,
	}, "", "  ")
}

// Load reconstructs a quantizer from bytes produced by Save.
func Load(data []byte) (*Quantizer, error) {
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode quantizer: %w", err)
	}
	if a.Version != artifactVersion {
		return nil, fmt.Errorf("unsupported quantizer artifact version %d", a.Version)
	}

	q, err := newQuantizer(a.Features)
	if err != nil {
		return nil, fmt.Errorf("invalid quantizer artifact: %w", err)
	}
	return q, nil
}

// SaveTo stores the quantizer in s under name.
func (q *Quantizer) SaveTo(ctx context.Context, s store.Store, name string) error {
	data, err := q.Save()
	if err != nil {
		return err
	}
	return s.Put(ctx, name, data)
}

// LoadFrom reads a quantizer stored under name. A missing or corrupt artifact
// is reported as modelerr.ErrNotFound.
func LoadFrom(ctx context.Context, s store.Store, name string) (*Quantizer, error) {
	data, found, err := s.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", modelerr.ErrNotFound, name, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", modelerr.ErrNotFound, name)
	}

	q, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", modelerr.ErrNotFound, name, err)
	}
	return q, nil
}

// SaveDir writes the quantizer into directory dir.
func (q *Quantizer) SaveDir(dir string) error {
	return q.SaveTo(context.Background(), store.NewFileStore(dir), ArtifactName)
}

// FromPretrained loads a quantizer previously written with SaveDir.
func FromPretrained(dir string) (*Quantizer, error) {
	return LoadFrom(context.Background(), store.NewFileStore(dir), ArtifactName)
}

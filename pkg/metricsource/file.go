package metricsource

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ogulcanaydogan/costalert/pkg/model"
	"github.com/ogulcanaydogan/costalert/pkg/resilience"
)

// FileSource reads a snapshot from a YAML or JSON file on every call.
type FileSource struct {
	path string
}

// NewFileSource creates a file-backed source.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (f *FileSource) GetCurrentSnapshot(ctx context.Context) (*model.Snapshot, error) {
	const op = "metric.file"
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, resilience.Validation(op, resilience.CodeNotFound, err)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	// JSON is a subset of YAML, so one decoder serves both formats.
	var snap model.Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, resilience.Validation(op, resilience.CodeValidation, fmt.Errorf("parse %s: %w", f.path, err))
	}
	if err := validate(&snap); err != nil {
		return nil, resilience.Validation(op, resilience.CodeValidation, err)
	}
	return &snap, nil
}

package backend

import (
	"encoding/json"
	"fmt"

	"github.com/metasim/metasim/pkg/engine"
)

// ExperimentFileVersion is the version written into experiment files.
const ExperimentFileVersion = 1

// ExperimentFile is the batch description handed to distributed workers.
type ExperimentFile struct {
	Version    int                    `json:"version"`
	Name       string                 `json:"name"`
	Model      engine.ModelRef        `json:"model"`
	Format     engine.ResultFormat    `json:"format"`
	WorkingDir string                 `json:"working_dir"`
	Views      []string               `json:"views"`
	Runs       []engine.RunDescriptor `json:"runs"`
}

// NewExperimentFile describes batch for workers writing into workingDir.
func NewExperimentFile(batch engine.Batch, format engine.ResultFormat, workingDir string) *ExperimentFile {
	return &ExperimentFile{
		Version:    ExperimentFileVersion,
		Name:       batch.Experiment,
		Model:      batch.Model,
		Format:     format,
		WorkingDir: workingDir,
		Views:      batch.Views,
		Runs:       batch.Runs,
	}
}

// Encode returns the JSON form of the file.
func (f *ExperimentFile) Encode() ([]byte, error) {
	return json.MarshalIndent(f, "", "  ")
}

// Validate checks the fields a worker needs.
func (f *ExperimentFile) Validate() error {
	if f.Version != ExperimentFileVersion {
		return fmt.Errorf("unsupported experiment file version %d", f.Version)
	}
	if f.Name == "" {
		return fmt.Errorf("experiment name is required")
	}
	if f.Model.Vpz == "" {
		return fmt.Errorf("model vpz is required")
	}
	if err := f.Format.Validate(); err != nil {
		return err
	}
	if len(f.Views) == 0 {
		return fmt.Errorf("no views to record")
	}
	for i, run := range f.Runs {
		if run.Index < 0 {
			return fmt.Errorf("run %d has negative index", i)
		}
	}
	return nil
}

// DecodeExperimentFile parses and validates an experiment file.
func DecodeExperimentFile(data []byte) (*ExperimentFile, error) {
	var f ExperimentFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse experiment file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid experiment file: %w", err)
	}
	return &f, nil
}

package inference

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LoadModel reads and validates a weights file.
func LoadModel(path string) (*Model, error) {
	var model Model
	if err := readJSON(path, &model); err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if model.Version != ModelVersion {
		return nil, fmt.Errorf("load model: unsupported version %d", model.Version)
	}
	if err := model.Validate(); err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	return &model, nil
}

// SaveModel writes model to path, replacing any previous file atomically.
func SaveModel(path string, model *Model) error {
	if err := model.Validate(); err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return writeJSON(path, model)
}

// LoadBackbone reads a backbone file.
func LoadBackbone(path string) (*Backbone, error) {
	var backbone Backbone
	if err := readJSON(path, &backbone); err != nil {
		return nil, fmt.Errorf("load backbone: %w", err)
	}
	if err := backbone.Validate(); err != nil {
		return nil, fmt.Errorf("load backbone %s: %w", path, err)
	}
	return &backbone, nil
}

// SaveBackbone writes backbone to path.
func SaveBackbone(path string, backbone *Backbone) error {
	if err := backbone.Validate(); err != nil {
		return fmt.Errorf("save backbone: %w", err)
	}
	return writeJSON(path, backbone)
}

// LoadLabels reads the ordered class-name list. Index i names model output i.
func LoadLabels(path string) ([]string, error) {
	var labels []string
	if err := readJSON(path, &labels); err != nil {
		return nil, fmt.Errorf("load labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, errors.New("load labels: label list is empty")
	}
	return labels, nil
}

// SaveLabels writes the ordered class-name list.
func SaveLabels(path string, labels []string) error {
	return writeJSON(path, labels)
}

func readJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := json.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

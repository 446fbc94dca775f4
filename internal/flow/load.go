package flow

import (
	"fmt"
	"os"
	"time"

	json "github.com/json-iterator/go"
)

// Defaults fills step fields a document leaves unset.
type Defaults struct {
	StepTimeout time.Duration
}

// Parse decodes a flow document, applies defaults and validates the result.
func Parse(data []byte, defaults Defaults) (*Flow, error) {
	var f Flow
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode flow: %w", err)
	}
	f.applyDefaults(defaults)
	if err := Validate(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and parses a flow document from disk.
func Load(path string, defaults Defaults) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow %s: %w", path, err)
	}
	f, err := Parse(data, defaults)
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", path, err)
	}
	return f, nil
}

func (f *Flow) applyDefaults(d Defaults) {
	ms := int(d.StepTimeout / time.Millisecond)
	if ms <= 0 {
		ms = 10000
	}
	for i := range f.Steps {
		if f.Steps[i].Timeout == 0 {
			f.Steps[i].Timeout = ms
		}
	}
}

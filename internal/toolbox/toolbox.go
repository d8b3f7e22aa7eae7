// Package toolbox provides the tools bunseki registers at startup: builtins
// that ship with the binary and descriptors loaded from a file.
package toolbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ashita-ai/bunseki/internal/catalog"
)

// Builtins returns the tools compiled into the binary.
func Builtins() []catalog.Tool {
	return []catalog.Tool{Clarify()}
}

// fileDescriptor mirrors catalog.Descriptor with optional fields so that
// omitted values can take defaults.
type fileDescriptor struct {
	catalog.Descriptor
	IsActive          *bool                      `json:"is_active"`
	ObservationPolicy *catalog.ObservationPolicy `json:"observation_policy"`
}

// LoadDescriptors reads a JSON array of tool descriptors. is_active defaults
// to true and observation_policy to always.
func LoadDescriptors(path string) ([]catalog.Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("toolbox: read %s: %w", path, err)
	}
	return ParseDescriptors(raw)
}

// ParseDescriptors is LoadDescriptors for in-memory input.
func ParseDescriptors(raw []byte) ([]catalog.Descriptor, error) {
	var in []fileDescriptor
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("toolbox: parse descriptors: %w", err)
	}

	out := make([]catalog.Descriptor, 0, len(in))
	seen := make(map[string]bool, len(in))
	var errs []error
	for i, fd := range in {
		d := fd.Descriptor
		d.IsActive = fd.IsActive == nil || *fd.IsActive
		d.ObservationPolicy = catalog.ObserveAlways
		if fd.ObservationPolicy != nil {
			d.ObservationPolicy = *fd.ObservationPolicy
		}
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("descriptor %d: name is required", i))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("descriptor %d: duplicate name %s", i, d.Name))
			continue
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("toolbox: %w", errors.Join(errs...))
	}
	return out, nil
}

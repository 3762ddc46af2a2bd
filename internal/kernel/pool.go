package kernel

import (
	_ "embed"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	"github.com/elastic-maximizer/maximizer/internal/domain"
)

//go:embed default_pool.yaml
var defaultPoolYAML []byte

// Spec is one kernel registration as written in a pool file
type Spec struct {
	Name    string              `json:"name"`
	Kind    domain.WorkloadKind `json:"kind"`
	Threads int                 `json:"threads"`
	Blocks  int                 `json:"blocks"`
	Size    int64               `json:"size"`
}

type poolFile struct {
	Kernels []Spec `json:"kernels"`
}

// ParsePool decodes a YAML (or JSON) pool document
func ParsePool(data []byte) ([]Spec, error) {
	var f poolFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse kernel pool: %w", err)
	}
	seen := make(map[string]bool, len(f.Kernels))
	for i, s := range f.Kernels {
		if s.Name == "" {
			return nil, fmt.Errorf("kernel pool entry %d has no name", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate kernel name %q in pool", s.Name)
		}
		seen[s.Name] = true
	}
	return f.Kernels, nil
}

// LoadPool reads a pool file, or the built-in experiment pool when path is empty
func LoadPool(path string) ([]Spec, error) {
	if path == "" {
		return DefaultPool(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read kernel pool: %w", err)
	}
	return ParsePool(data)
}

// DefaultPool returns the built-in experiment pool
func DefaultPool() []Spec {
	specs, err := ParsePool(defaultPoolYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded kernel pool is invalid: %v", err))
	}
	return specs
}

// Build instantiates a fresh kernel for every spec
func Build(reg *Registry, specs []Spec) ([]*Kernel, error) {
	kernels := make([]*Kernel, 0, len(specs))
	for _, s := range specs {
		k, err := New(reg, s.Kind, s.Name, s.Threads, s.Blocks, s.Size)
		if err != nil {
			return nil, err
		}
		kernels = append(kernels, k)
	}
	return kernels, nil
}

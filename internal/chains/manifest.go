package chains

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"gopkg.in/yaml.v3"
)

//go:embed abis/default.yaml
var defaultManifest []byte

// Manifest is the on-disk description of contract bindings.
type Manifest struct {
	Contracts []ContractEntry `yaml:"contracts"`
}

// ContractEntry describes one binding version.
type ContractEntry struct {
	Kind    string            `yaml:"kind"`
	Name    string            `yaml:"name"`
	Version string            `yaml:"version"`
	Methods map[string]string `yaml:"methods"`
	ABI     string            `yaml:"abi"`
}

// LoadRegistry builds a registry from the embedded manifest, then from the
// manifest at path when path is not empty. Entries from path win on equal
// kind and version.
func LoadRegistry(path string) (*Registry, error) {
	r := NewRegistry()
	if err := r.Load(bytes.NewReader(defaultManifest)); err != nil {
		return nil, fmt.Errorf("loading embedded ABI manifest: %w", err)
	}
	if path == "" {
		return r, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening ABI manifest: %w", err)
	}
	defer f.Close()

	if err := r.Load(f); err != nil {
		return nil, fmt.Errorf("loading ABI manifest %s: %w", path, err)
	}
	return r, nil
}

// Load parses a YAML manifest and registers every entry.
func (r *Registry) Load(src io.Reader) error {
	var m Manifest
	if err := yaml.NewDecoder(src).Decode(&m); err != nil {
		return fmt.Errorf("decoding manifest: %w", err)
	}
	for _, c := range m.Contracts {
		if c.Kind != KindRegistry && c.Kind != KindBadge {
			return fmt.Errorf("unknown contract kind %q", c.Kind)
		}
		parsed, err := abi.JSON(strings.NewReader(c.ABI))
		if err != nil {
			return fmt.Errorf("parsing %s %s ABI: %w", c.Kind, c.Version, err)
		}
		if err := r.Register(&Binding{
			Kind:    c.Kind,
			Version: c.Version,
			ABI:     parsed,
			Methods: c.Methods,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Package chains provides the versioned contract bindings the bridge talks to.
//
// The registry and badge contracts have shipped with inconsistent ABIs, so
// contract shapes are never hardcoded: a Binding pairs a parsed ABI with a
// table mapping symbolic operations to the ABI's method names, and the
// Registry selects a binding per contract kind and version.
package chains

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"golang.org/x/mod/semver"
)

// Contract kinds known to the bridge.
const (
	KindRegistry = "registry"
	KindBadge    = "badge"
)

// Symbolic operations a binding may implement.
const (
	OpReadProject      = "readProject"
	OpProjectsOwnedBy  = "projectsOwnedBy"
	OpProjectCount     = "projectCount"
	OpCreateProject    = "createProject"
	OpCastVote         = "castVote"
	OpRequestJoin      = "requestJoin"
	OpRegisterProposal = "registerProposal"
	OpTokenURI         = "tokenURI"
)

// Binding is one version of a contract ABI.
type Binding struct {
	Kind    string
	Version string
	ABI     abi.ABI
	// Methods maps symbolic operations to ABI method names.
	Methods map[string]string
}

// Method resolves a symbolic operation to its ABI method.
func (b *Binding) Method(op string) (abi.Method, error) {
	name, ok := b.Methods[op]
	if !ok {
		name = op
	}
	m, ok := b.ABI.Methods[name]
	if !ok {
		return abi.Method{}, fmt.Errorf("%s ABI %s has no method for %q", b.Kind, b.Version, op)
	}
	return m, nil
}

// Supports reports whether the binding can serve op.
func (b *Binding) Supports(op string) bool {
	_, err := b.Method(op)
	return err == nil
}

// Pack ABI-encodes a call of op.
func (b *Binding) Pack(op string, args ...any) ([]byte, error) {
	m, err := b.Method(op)
	if err != nil {
		return nil, err
	}
	return b.ABI.Pack(m.Name, args...)
}

// Unpack decodes the return data of op.
func (b *Binding) Unpack(op string, data []byte) ([]any, error) {
	m, err := b.Method(op)
	if err != nil {
		return nil, err
	}
	return b.ABI.Unpack(m.Name, data)
}

// Registry holds every loaded binding.
type Registry struct {
	bindings map[string]map[string]*Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: make(map[string]map[string]*Binding),
	}
}

// Register adds or replaces a binding.
func (r *Registry) Register(b *Binding) error {
	v := canonicalVersion(b.Version)
	if !semver.IsValid(v) {
		return fmt.Errorf("invalid ABI version %q for %s", b.Version, b.Kind)
	}
	b.Version = v
	if r.bindings[b.Kind] == nil {
		r.bindings[b.Kind] = make(map[string]*Binding)
	}
	r.bindings[b.Kind][v] = b
	return nil
}

// Get returns a specific binding version, or the latest when version is empty.
func (r *Registry) Get(kind, version string) (*Binding, error) {
	versions := r.bindings[kind]
	if len(versions) == 0 {
		return nil, fmt.Errorf("no ABI registered for %s", kind)
	}
	if version == "" {
		return versions[r.Versions(kind)[0]], nil
	}
	b, ok := versions[canonicalVersion(version)]
	if !ok {
		return nil, fmt.Errorf("no ABI %s registered for %s", version, kind)
	}
	return b, nil
}

// Versions lists registered versions of kind, newest first.
func (r *Registry) Versions(kind string) []string {
	out := make([]string, 0, len(r.bindings[kind]))
	for v := range r.bindings[kind] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return semver.Compare(out[i], out[j]) > 0
	})
	return out
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

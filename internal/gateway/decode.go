package gateway

import (
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Output names accepted for each project field, across registry revisions.
var projectFieldNames = map[string][]string{
	"id":           {"id", "projectid"},
	"title":        {"title", "name"},
	"description":  {"description"},
	"expectations": {"expectations"},
	"techStack":    {"techstack", "tech_stack", "stack"},
	"repository":   {"githubrepo", "repositorylink", "repository", "repo"},
	"owner":        {"owner", "creator"},
	"members":      {"members"},
	"isActive":     {"isactive", "active"},
	"createdAt":    {"createdat", "created"},
	"maxMembers":   {"maxmembers", "membercap"},
}

// outputFields flattens an ABI method's return data into lowercase-keyed
// values. A single tuple output is expanded into its components.
func outputFields(m abi.Method, data []byte) (map[string]any, error) {
	raw := make(map[string]any)
	if err := m.Outputs.UnpackIntoMap(raw, data); err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", m.Name, err)
	}

	fields := make(map[string]any, len(raw))
	if len(m.Outputs) == 1 && m.Outputs[0].Type.T == abi.TupleTy {
		for _, v := range raw {
			rv := reflect.Indirect(reflect.ValueOf(v))
			if rv.Kind() != reflect.Struct {
				continue
			}
			for i := 0; i < rv.NumField(); i++ {
				fields[strings.ToLower(rv.Type().Field(i).Name)] = rv.Field(i).Interface()
			}
		}
		return fields, nil
	}
	for k, v := range raw {
		fields[strings.ToLower(k)] = v
	}
	return fields, nil
}

type fieldReader struct {
	fields map[string]any
	err    error
}

func (r *fieldReader) lookup(field string) (any, bool) {
	for _, name := range projectFieldNames[field] {
		if v, ok := r.fields[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (r *fieldReader) fail(field string, v any) {
	if r.err == nil {
		r.err = fmt.Errorf("field %s has unexpected type %T", field, v)
	}
}

func (r *fieldReader) uint(field string) uint64 {
	v, ok := r.lookup(field)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case *big.Int:
		if !n.IsUint64() {
			r.fail(field, v)
			return 0
		}
		return n.Uint64()
	case uint64:
		return n
	case uint32:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint8:
		return uint64(n)
	}
	r.fail(field, v)
	return 0
}

func (r *fieldReader) string(field string) string {
	v, ok := r.lookup(field)
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.fail(field, v)
	}
	return s
}

func (r *fieldReader) bool(field string) bool {
	v, ok := r.lookup(field)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		r.fail(field, v)
	}
	return b
}

func (r *fieldReader) address(field string) common.Address {
	v, ok := r.lookup(field)
	if !ok {
		return common.Address{}
	}
	a, ok := v.(common.Address)
	if !ok {
		r.fail(field, v)
	}
	return a
}

func (r *fieldReader) addresses(field string) []common.Address {
	v, ok := r.lookup(field)
	if !ok {
		return nil
	}
	a, ok := v.([]common.Address)
	if !ok {
		r.fail(field, v)
	}
	return a
}

// decodeProject maps registry return data onto a Project. It does not
// enforce project invariants.
func decodeProject(m abi.Method, data []byte) (*Project, error) {
	fields, err := outputFields(m, data)
	if err != nil {
		return nil, err
	}
	r := &fieldReader{fields: fields}

	p := &Project{
		ID:             r.uint("id"),
		Title:          r.string("title"),
		Description:    r.string("description"),
		Expectations:   r.string("expectations"),
		TechStack:      r.string("techStack"),
		RepositoryLink: r.string("repository"),
		Owner:          r.address("owner"),
		IsActive:       r.bool("isActive"),
		MaxMembers:     r.uint("maxMembers"),
	}
	members := r.addresses("members")
	if ts := r.uint("createdAt"); ts > 0 {
		p.CreatedAt = time.Unix(int64(ts), 0).UTC()
	}
	if r.err != nil {
		return nil, r.err
	}

	p.Members = normalizeMembers(p.Owner, members)
	return p, nil
}

// normalizeMembers de-duplicates members in order of first appearance and
// puts the owner first when the registry keeps it out of the array.
func normalizeMembers(owner common.Address, members []common.Address) []common.Address {
	out := make([]common.Address, 0, len(members)+1)
	seen := make(map[common.Address]bool, len(members)+1)

	ownerListed := false
	for _, m := range members {
		if m == owner {
			ownerListed = true
			break
		}
	}
	if !ownerListed {
		out = append(out, owner)
		seen[owner] = true
	}
	for _, m := range members {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/pendergraft/campusbridge/internal/apperr"
	"github.com/pendergraft/campusbridge/internal/chains/evm"
	"github.com/pendergraft/campusbridge/internal/validation"
)

// GovernanceMode selects how a project is governed.
type GovernanceMode string

const (
	GovernanceSolo     GovernanceMode = "solo"
	GovernanceSnapshot GovernanceMode = "snapshot"
)

// Document is a proposal payload. Known fields are typed; anything else the
// dashboard sends is carried in Extra and published alongside them.
type Document struct {
	Title          string
	Description    string
	Expectations   string
	TechStack      string
	RepositoryLink string
	ProjectID      uint64
	MaxMembers     uint64
	GovernanceMode GovernanceMode
	Members        []string
	Extra          map[string]any
}

// wire names of the known fields
const (
	keyTitle          = "title"
	keyDescription    = "description"
	keyExpectations   = "expectations"
	keyTechStack      = "techStack"
	keyRepositoryLink = "repositoryLink"
	keyProjectID      = "projectId"
	keyMaxMembers     = "maxMembers"
	keyGovernanceMode = "governanceMode"
	keyMembers        = "members"
)

var knownKeys = map[string]bool{
	keyTitle: true, keyDescription: true, keyExpectations: true, keyTechStack: true,
	keyRepositoryLink: true, keyProjectID: true, keyMaxMembers: true,
	keyGovernanceMode: true, keyMembers: true,
}

// MarshalJSON renders the document as one flat object with sorted keys.
// Zero-valued optional fields are omitted.
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+len(knownKeys))
	for k, v := range d.Extra {
		if !knownKeys[k] {
			out[k] = v
		}
	}
	out[keyTitle] = d.Title
	setIf(out, keyDescription, d.Description)
	setIf(out, keyExpectations, d.Expectations)
	setIf(out, keyTechStack, d.TechStack)
	setIf(out, keyRepositoryLink, d.RepositoryLink)
	setIf(out, keyGovernanceMode, string(d.GovernanceMode))
	if d.ProjectID != 0 {
		out[keyProjectID] = d.ProjectID
	}
	if d.MaxMembers != 0 {
		out[keyMaxMembers] = d.MaxMembers
	}
	if len(d.Members) > 0 {
		out[keyMembers] = d.Members
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func setIf(m map[string]any, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// UnmarshalJSON splits an object into known fields and Extra. Numbers in
// Extra keep their literal form so republishing is byte-stable.
func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	var known struct {
		Title          string         `json:"title"`
		Description    string         `json:"description"`
		Expectations   string         `json:"expectations"`
		TechStack      string         `json:"techStack"`
		RepositoryLink string         `json:"repositoryLink"`
		ProjectID      uint64         `json:"projectId"`
		MaxMembers     uint64         `json:"maxMembers"`
		GovernanceMode GovernanceMode `json:"governanceMode"`
		Members        []string       `json:"members"`
	}
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	*d = Document{
		Title:          known.Title,
		Description:    known.Description,
		Expectations:   known.Expectations,
		TechStack:      known.TechStack,
		RepositoryLink: known.RepositoryLink,
		ProjectID:      known.ProjectID,
		MaxMembers:     known.MaxMembers,
		GovernanceMode: known.GovernanceMode,
		Members:        known.Members,
	}
	maps.DeleteFunc(raw, func(k string, _ any) bool { return knownKeys[k] })
	if len(raw) > 0 {
		d.Extra = raw
	}
	return nil
}

// sanitizer strips all markup from text fields.
var sanitizer = bluemonday.StrictPolicy()

func clean(s string) string {
	return strings.TrimSpace(sanitizer.Sanitize(s))
}

// Normalize returns a sanitized copy of d with members in checksum form.
// It fails with a Malformed error when the result is not publishable.
func (d Document) Normalize(maxMembersCap uint64) (Document, error) {
	const op = "proposal"
	n := Document{
		Title:          clean(d.Title),
		Description:    clean(d.Description),
		Expectations:   clean(d.Expectations),
		TechStack:      clean(d.TechStack),
		RepositoryLink: strings.TrimSpace(d.RepositoryLink),
		ProjectID:      d.ProjectID,
		MaxMembers:     d.MaxMembers,
		GovernanceMode: GovernanceMode(strings.ToLower(strings.TrimSpace(string(d.GovernanceMode)))),
	}
	if n.GovernanceMode == "" {
		n.GovernanceMode = GovernanceSolo
	}

	if err := validation.ValidateTitle(n.Title); err != nil {
		return Document{}, apperr.Malformed(op, "%v", err)
	}
	for field, text := range map[string]string{
		keyDescription:  n.Description,
		keyExpectations: n.Expectations,
		keyTechStack:    n.TechStack,
	} {
		if err := validation.ValidateDescription(field, text); err != nil {
			return Document{}, apperr.Malformed(op, "%v", err)
		}
	}
	if err := validation.ValidateRepositoryLink(n.RepositoryLink); err != nil {
		return Document{}, apperr.Malformed(op, "%v", err)
	}
	if err := validation.ValidateGovernanceMode(string(n.GovernanceMode)); err != nil {
		return Document{}, apperr.Malformed(op, "%v", err)
	}
	if n.MaxMembers != 0 {
		if err := validation.ValidateMaxMembers(n.MaxMembers, maxMembersCap); err != nil {
			return Document{}, apperr.Malformed(op, "%v", err)
		}
	}

	seen := make(map[string]bool, len(d.Members))
	for _, m := range d.Members {
		addr, err := evm.ParseAddress(m)
		if err != nil {
			return Document{}, apperr.Malformed(op, "invalid member %q", m)
		}
		if hex := addr.Hex(); !seen[hex] {
			seen[hex] = true
			n.Members = append(n.Members, hex)
		}
	}
	if n.MaxMembers != 0 && uint64(len(n.Members)) > n.MaxMembers {
		return Document{}, apperr.Malformed(op, "%d members exceed maxMembers %d", len(n.Members), n.MaxMembers)
	}

	if len(d.Extra) > 0 {
		n.Extra = make(map[string]any, len(d.Extra))
		for k, v := range d.Extra {
			if !knownKeys[k] {
				n.Extra[k] = cleanValue(v)
			}
		}
	}
	return n, nil
}

// cleanValue sanitizes every string inside an Extra value.
func cleanValue(v any) any {
	switch t := v.(type) {
	case string:
		return clean(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cleanValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cleanValue(e)
		}
		return out
	default:
		return v
	}
}

// Canonical returns the bytes that get published for d: sanitized, sorted
// keys, no HTML escaping, no trailing newline.
func Canonical(d Document, maxMembersCap uint64) ([]byte, error) {
	n, err := d.Normalize(maxMembersCap)
	if err != nil {
		return nil, err
	}
	// called directly: json.Marshal would re-escape HTML in the output
	data, err := n.MarshalJSON()
	if err != nil {
		return nil, apperr.Malformed("proposal", "unencodable extra field: %v", err)
	}
	return data, nil
}

// DecodeDocument parses published content.
func DecodeDocument(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, apperr.E(apperr.KindFatal, "decode proposal", fmt.Errorf("published content is not a proposal: %w", err))
	}
	return &d, nil
}

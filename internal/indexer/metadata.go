package indexer

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pendergraft/campusbridge/internal/apperr"
)

// Attribute is one metadata trait.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metadata is the normalized form of token metadata, whether it came from
// the indexer or straight from a token URI document.
type Metadata struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Image       string      `json:"image,omitempty"`
	MediaURL    string      `json:"mediaUrl,omitempty"`
	Attributes  []Attribute `json:"attributes,omitempty"`
}

// DeclaredImage is the media gateway URL, falling back to the image field.
func (m *Metadata) DeclaredImage() string {
	if m.MediaURL != "" {
		return m.MediaURL
	}
	return m.Image
}

type rawDocument struct {
	Name        string          `json:"name"`
	Title       string          `json:"title"`
	Description any             `json:"description"`
	Image       string          `json:"image"`
	Attributes  json.RawMessage `json:"attributes"`
	Media       []struct {
		URI struct {
			Gateway string `json:"gateway"`
		} `json:"uri"`
		Gateway string `json:"gateway"`
	} `json:"media"`
	Metadata *rawDocument `json:"metadata"`
}

// ParseMetadata decodes a metadata document. The indexer nests the token's
// own metadata under "metadata"; plain token URI documents do not. Anything
// that is not a JSON object is Malformed.
func ParseMetadata(body []byte) (*Metadata, error) {
	const op = "parse-metadata"
	var doc rawDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apperr.Malformed(op, "malformed metadata: %v", err)
	}

	m := &Metadata{}
	for _, media := range doc.Media {
		if gw := strings.TrimSpace(media.URI.Gateway); gw != "" {
			m.MediaURL = gw
			break
		}
		if gw := strings.TrimSpace(media.Gateway); gw != "" {
			m.MediaURL = gw
			break
		}
	}

	src := &doc
	if doc.Metadata != nil {
		src = doc.Metadata
	}
	m.Name = firstNonEmpty(src.Name, src.Title, doc.Title)
	m.Description = textOf(src.Description)
	if m.Description == "" && src != &doc {
		m.Description = textOf(doc.Description)
	}
	m.Image = strings.TrimSpace(src.Image)

	attrs, err := parseAttributes(src.Attributes)
	if err != nil {
		return nil, apperr.Malformed(op, "malformed metadata attributes: %v", err)
	}
	m.Attributes = attrs
	return m, nil
}

// parseAttributes accepts the [{trait_type, value}] list form and the
// {key: value} object form.
func parseAttributes(raw json.RawMessage) ([]Attribute, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]Attribute, 0, len(list))
		for _, item := range list {
			key := firstNonEmpty(textOf(item["trait_type"]), textOf(item["key"]), textOf(item["name"]))
			out = append(out, Attribute{Key: key, Value: textOf(item["value"])})
		}
		return out, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("attributes are neither a list nor an object")
	}
	out := make([]Attribute, 0, len(obj))
	for k, v := range obj {
		out = append(out, Attribute{Key: k, Value: textOf(v)})
	}
	slices.SortFunc(out, func(a, b Attribute) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

func textOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

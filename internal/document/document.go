// Package document provides the in-memory representation of a
// configuration document with dotted-path field access.
package document

import (
	"fmt"
	"strings"

	yamlv3 "gopkg.in/yaml.v3"
)

// Document is one scope's configuration tree. Nested maps are addressed
// with dotted paths, e.g. "canary.enabled" or "providers.aws.account".
type Document map[string]any

// New returns an empty document.
func New() Document {
	return Document{}
}

// Parse decodes a YAML document.
func Parse(data []byte) (Document, error) {
	doc := Document{}
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	return doc, nil
}

// Marshal encodes the document as YAML.
func (d Document) Marshal() ([]byte, error) {
	data, err := yamlv3.Marshal(map[string]any(d))
	if err != nil {
		return nil, fmt.Errorf("yaml marshal: %w", err)
	}
	return data, nil
}

// GetField retrieves a value by dotted path.
func (d Document) GetField(path string) (any, bool) {
	parts := strings.Split(path, ".")
	current := map[string]any(d)

	for i, part := range parts {
		if i == len(parts)-1 {
			val, ok := current[part]
			return val, ok
		}
		next, ok := current[part]
		if !ok {
			return nil, false
		}
		nextMap, ok := next.(map[string]any)
		if !ok {
			return nil, false
		}
		current = nextMap
	}

	return nil, false
}

// SetField sets a value by dotted path, creating intermediate maps as
// needed. Fails if an intermediate path element exists but is not a map.
func (d Document) SetField(path string, value any) error {
	parts := strings.Split(path, ".")
	current := map[string]any(d)

	for i, part := range parts {
		if i == len(parts)-1 {
			current[part] = value
			return nil
		}
		next, ok := current[part]
		if !ok {
			m := map[string]any{}
			current[part] = m
			current = m
			continue
		}
		nextMap, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("path %q: %q is not a map", path, strings.Join(parts[:i+1], "."))
		}
		current = nextMap
	}

	return nil
}

// DeleteField removes a value by dotted path. Deleting a missing path is
// a no-op.
func (d Document) DeleteField(path string) {
	parts := strings.Split(path, ".")
	current := map[string]any(d)

	for i, part := range parts {
		if i == len(parts)-1 {
			delete(current, part)
			return
		}
		next, ok := current[part]
		if !ok {
			return
		}
		nextMap, ok := next.(map[string]any)
		if !ok {
			return
		}
		current = nextMap
	}
}

// Clone returns a deep copy. Mutating the copy never affects the
// original; this is what isolates a working copy from the committed
// document.
func (d Document) Clone() Document {
	return Document(cloneMap(d))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return val
	}
}

// Equal reports whether two documents marshal to identical YAML. Used by
// rollback verification; not performance sensitive.
func (d Document) Equal(other Document) bool {
	a, errA := d.Marshal()
	b, errB := other.Marshal()
	if errA != nil || errB != nil {
		return false
	}
	return string(a) == string(b)
}

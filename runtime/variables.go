package runtime

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Variable is the persisted record shape of one session variable.
type Variable struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Variables is the canonical session variable store: an insertion-ordered
// map keyed by name. Legacy array and map encodings are accepted by
// NormalizeVariables and UnmarshalJSON; MarshalJSON always writes the array form.
type Variables struct {
	names  []string
	byName map[string]Variable
}

func NewVariables() Variables {
	return Variables{byName: make(map[string]Variable)}
}

func (v *Variables) init() {
	if v.byName == nil {
		v.byName = make(map[string]Variable)
	}
}

func (v *Variables) Get(name string) (any, bool) {
	rec, ok := v.byName[name]
	if !ok {
		return nil, false
	}
	return rec.Value, true
}

// Set upserts a variable by name, keeping the record id and position of an existing entry.
func (v *Variables) Set(name string, value any) {
	v.init()
	if rec, ok := v.byName[name]; ok {
		rec.Value = value
		v.byName[name] = rec
		return
	}
	v.byName[name] = Variable{ID: uuid.NewString(), Name: name, Value: value}
	v.names = append(v.names, name)
}

func (v *Variables) Delete(name string) {
	if _, ok := v.byName[name]; !ok {
		return
	}
	delete(v.byName, name)
	for i, n := range v.names {
		if n == name {
			v.names = append(v.names[:i], v.names[i+1:]...)
			break
		}
	}
}

func (v *Variables) Len() int {
	return len(v.names)
}

// Records returns the variables in insertion order.
func (v *Variables) Records() []Variable {
	out := make([]Variable, 0, len(v.names))
	for _, n := range v.names {
		out = append(out, v.byName[n])
	}
	return out
}

// Map returns a name -> value copy.
func (v *Variables) Map() map[string]any {
	out := make(map[string]any, len(v.names))
	for _, n := range v.names {
		out[n] = v.byName[n].Value
	}
	return out
}

func (v *Variables) Clone() Variables {
	c := NewVariables()
	for _, rec := range v.Records() {
		c.byName[rec.Name] = rec
		c.names = append(c.names, rec.Name)
	}
	return c
}

func (v Variables) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Records())
}

func (v *Variables) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode variables: %w", err)
	}
	normalized, err := NormalizeVariables(raw)
	if err != nil {
		return err
	}
	*v = normalized
	return nil
}

// NormalizeVariables converts any accepted variable-store shape into the
// canonical form: nil, an array of {id, name, value} records, a plain
// name -> value map, or either of those as JSON text.
func NormalizeVariables(raw any) (Variables, error) {
	out := NewVariables()

	switch r := raw.(type) {
	case nil:
		return out, nil
	case Variables:
		return r.Clone(), nil
	case *Variables:
		if r == nil {
			return out, nil
		}
		return r.Clone(), nil
	case []Variable:
		for _, rec := range r {
			out.put(rec)
		}
		return out, nil
	case []any:
		for i, item := range r {
			m, ok := item.(map[string]any)
			if !ok {
				return out, fmt.Errorf("variable record %d is %T, expected object", i, item)
			}
			name, _ := m["name"].(string)
			if name == "" {
				continue
			}
			id, _ := m["id"].(string)
			out.put(Variable{ID: id, Name: name, Value: m["value"]})
		}
		return out, nil
	case map[string]any:
		// Map shape: name -> value. Keys are sorted so the canonical order is stable.
		keys := make([]string, 0, len(r))
		for k := range r {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out.put(Variable{Name: k, Value: r[k]})
		}
		return out, nil
	case string:
		if r == "" {
			return out, nil
		}
		var decoded any
		if err := json.Unmarshal([]byte(r), &decoded); err != nil {
			return out, fmt.Errorf("decode variables text: %w", err)
		}
		return NormalizeVariables(decoded)
	case []byte:
		if len(r) == 0 {
			return out, nil
		}
		return NormalizeVariables(string(r))
	default:
		return out, fmt.Errorf("unsupported variable store shape %T", raw)
	}
}

func (v *Variables) put(rec Variable) {
	v.init()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, exists := v.byName[rec.Name]; !exists {
		v.names = append(v.names, rec.Name)
	}
	v.byName[rec.Name] = rec
}

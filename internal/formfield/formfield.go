// Package formfield turns an agent's stored body-descriptor JSON into a
// uniform field model and validates submitted values against it.
//
// Descriptors are duck-typed records: the parameter name is an arbitrary key
// of the object (its value is the default), with fixed sidecar keys such as
// "input" and "input_label" alongside it. Parsing enumerates the reserved
// sidecar keys explicitly instead of sniffing at render time, so the rest of
// the service only ever sees tagged Field values.
package formfield

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type Kind string

const (
	KindNone        Kind = "none"
	KindText        Kind = "text"
	KindTextarea    Kind = "textarea"
	KindNumber      Kind = "number"
	KindDropdown    Kind = "dropdown"
	KindCheckbox    Kind = "checkbox"
	KindCredentials Kind = "website_credentials"
)

type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type Field struct {
	Name        string   `json:"name"`
	Kind        Kind     `json:"kind"`
	Label       string   `json:"label"`
	Required    bool     `json:"required"`
	Placeholder string   `json:"placeholder,omitempty"`
	Options     []Option `json:"options,omitempty"`
	Value       string   `json:"value"`
}

type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// reserved are the sidecar keys that can never be the parameter-name key.
var reserved = map[string]struct{}{
	"type":             {},
	"input":            {},
	"label":            {},
	"input_label":      {},
	"required":         {},
	"placeholder":      {},
	"options":          {},
	"default_value":    {},
	"dropdown_options": {},
	"name":             {},
}

// ParseDescriptors decodes a descriptor array and normalizes every entry.
// Malformed descriptors degrade to defaults rather than failing the batch:
// the output always has one Field per input descriptor, each with a resolved
// name, kind, label and a non-nil string default value.
func ParseDescriptors(raw []byte) ([]Field, error) {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "" {
		return []Field{}, nil
	}
	var descriptors []map[string]any
	if err := json.Unmarshal(raw, &descriptors); err != nil {
		return nil, fmt.Errorf("decode body descriptors: %w", err)
	}
	fields := make([]Field, 0, len(descriptors))
	for _, d := range descriptors {
		fields = append(fields, parseDescriptor(d))
	}
	return fields, nil
}

func parseDescriptor(d map[string]any) Field {
	f := Field{
		Kind:  KindText,
		Label: "Field",
		Name:  "field",
	}
	if d == nil {
		return f
	}

	if v, ok := stringValue(d, "type"); ok {
		f.Kind = Kind(v)
	} else if v, ok := stringValue(d, "input"); ok {
		f.Kind = Kind(v)
	}
	if v, ok := stringValue(d, "label"); ok {
		f.Label = v
	} else if v, ok := stringValue(d, "input_label"); ok {
		f.Label = v
	}
	if v, ok := stringValue(d, "name"); ok {
		f.Name = v
	} else if k, ok := parameterKey(d); ok {
		f.Name = k
	}
	if v, ok := stringValue(d, "default_value"); ok {
		f.Value = v
	} else if v, isStr := d[f.Name].(string); isStr {
		f.Value = v
	}

	f.Required = truthy(d["required"])
	if v, isStr := d["placeholder"].(string); isStr {
		f.Placeholder = v
	}
	f.Options = parseOptions(d)
	return f
}

// parameterKey returns the first non-reserved key in lexical order, so two
// parses of the same descriptor always resolve the same name.
func parameterKey(d map[string]any) (string, bool) {
	keys := make([]string, 0, len(d))
	for k := range d {
		if _, isReserved := reserved[k]; isReserved {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return "", false
	}
	sort.Strings(keys)
	return keys[0], true
}

// parseOptions accepts both shapes seen in stored configs: an "options" array
// of strings or {value,label} objects, or a "dropdown_options" map of
// value -> label.
func parseOptions(d map[string]any) []Option {
	if arr, ok := d["options"].([]any); ok {
		out := make([]Option, 0, len(arr))
		for _, item := range arr {
			switch v := item.(type) {
			case string:
				out = append(out, Option{Value: v, Label: v})
			case map[string]any:
				opt := Option{}
				if s, isStr := v["value"].(string); isStr {
					opt.Value = s
				}
				if s, isStr := v["label"].(string); isStr {
					opt.Label = s
				}
				if opt.Label == "" {
					opt.Label = opt.Value
				}
				if opt.Value != "" || opt.Label != "" {
					out = append(out, opt)
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	if m, ok := d["dropdown_options"].(map[string]any); ok {
		values := make([]string, 0, len(m))
		for v := range m {
			values = append(values, v)
		}
		sort.Strings(values)
		out := make([]Option, 0, len(values))
		for _, v := range values {
			label, _ := m[v].(string)
			if label == "" {
				label = v
			}
			out = append(out, Option{Value: v, Label: label})
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// Validate checks submitted data against the field set. Only required fields
// are checked, and only for presence: a value is missing when it is absent or
// trims to the empty string. Errors follow field order.
func Validate(fields []Field, data map[string]string) Result {
	errs := []string{}
	for _, f := range fields {
		if !f.Required {
			continue
		}
		if strings.TrimSpace(data[f.Name]) == "" {
			errs = append(errs, fmt.Sprintf("%s is required", f.Label))
		}
	}
	return Result{Valid: len(errs) == 0, Errors: errs}
}

// Seed rebuilds the form-data object for a field set: per field, an existing
// submitted value wins over the field default. The returned map is a full
// resync, not a merge; keys not named by any field are dropped.
func Seed(fields []Field, existing map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if v, ok := existing[f.Name]; ok {
			out[f.Name] = v
			continue
		}
		out[f.Name] = f.Value
	}
	return out
}

func stringValue(d map[string]any, key string) (string, bool) {
	v, ok := d[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	default:
		return false
	}
}

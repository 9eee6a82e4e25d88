package formfield

import (
	"reflect"
	"testing"
)

func TestParseDescriptorsResolvesDynamicKey(t *testing.T) {
	raw := []byte(`[{"topic": "", "input": "text", "input_label": "Topic", "required": true}]`)

	fields, err := ParseDescriptors(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(fields) != 1 {
		t.Fatalf("expected 1 field, got %d", len(fields))
	}
	f := fields[0]
	if f.Name != "topic" || f.Kind != KindText || f.Label != "Topic" || f.Value != "" {
		t.Fatalf("unexpected field: %+v", f)
	}
	if !f.Required {
		t.Fatalf("expected required field")
	}

	res := Validate(fields, map[string]string{"topic": ""})
	if res.Valid {
		t.Fatalf("expected invalid result")
	}
	if len(res.Errors) != 1 || res.Errors[0] != "Topic is required" {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
}

func TestParseDescriptorsDefaults(t *testing.T) {
	raw := []byte(`[{}, {"city": "Berlin"}, {"input": "dropdown", "input_label": "Tone", "tone": "formal", "dropdown_options": {"formal": "Formal", "casual": "Casual"}}]`)

	fields, err := ParseDescriptors(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(fields) != 3 {
		t.Fatalf("expected output length to match input, got %d", len(fields))
	}

	if fields[0].Name != "field" || fields[0].Kind != KindText || fields[0].Label != "Field" || fields[0].Value != "" {
		t.Fatalf("empty descriptor did not degrade to defaults: %+v", fields[0])
	}
	if fields[1].Name != "city" || fields[1].Value != "Berlin" {
		t.Fatalf("parameter key default value not picked up: %+v", fields[1])
	}
	if fields[2].Name != "tone" || fields[2].Kind != KindDropdown || fields[2].Value != "formal" {
		t.Fatalf("dropdown descriptor parsed wrong: %+v", fields[2])
	}
	want := []Option{{Value: "casual", Label: "Casual"}, {Value: "formal", Label: "Formal"}}
	if !reflect.DeepEqual(fields[2].Options, want) {
		t.Fatalf("unexpected options: %v", fields[2].Options)
	}
}

func TestParseDescriptorsOptionsArrayShapes(t *testing.T) {
	raw := []byte(`[{"lang": "", "input": "dropdown", "options": ["go", "rust"]}, {"level": "", "input": "dropdown", "options": [{"value": "l1", "label": "Beginner"}]}]`)

	fields, err := ParseDescriptors(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := fields[0].Options; len(got) != 2 || got[0] != (Option{Value: "go", Label: "go"}) {
		t.Fatalf("string options parsed wrong: %v", got)
	}
	if got := fields[1].Options; len(got) != 1 || got[0] != (Option{Value: "l1", Label: "Beginner"}) {
		t.Fatalf("object options parsed wrong: %v", got)
	}
}

func TestParseDescriptorsIdempotent(t *testing.T) {
	raw := []byte(`[{"a": "1", "b": "2", "input": "text"}, {"x": "y", "required": "true"}]`)

	first, err := ParseDescriptors(raw)
	if err != nil {
		t.Fatalf("first parse: %v", err)
	}
	second, err := ParseDescriptors(raw)
	if err != nil {
		t.Fatalf("second parse: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("parse is not deterministic:\n%+v\n%+v", first, second)
	}
	// with two candidate keys the lexically first one wins
	if first[0].Name != "a" || first[0].Value != "1" {
		t.Fatalf("expected lexically first parameter key, got %+v", first[0])
	}
	if !first[1].Required {
		t.Fatalf("string \"true\" should mark the field required")
	}
}

func TestParseDescriptorsEmptyInput(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte(""), []byte("  "), []byte("[]")} {
		fields, err := ParseDescriptors(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if len(fields) != 0 {
			t.Fatalf("expected no fields for %q", raw)
		}
	}
	if _, err := ParseDescriptors([]byte("{not json")); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}

func TestValidateOnlyChecksRequiredPresence(t *testing.T) {
	fields := []Field{
		{Name: "a", Label: "A", Required: true},
		{Name: "b", Label: "B", Required: false},
		{Name: "c", Label: "C", Required: true},
	}

	res := Validate(fields, map[string]string{"a": "  ", "b": "", "c": "ok"})
	if res.Valid {
		t.Fatalf("expected invalid")
	}
	if len(res.Errors) != 1 || res.Errors[0] != "A is required" {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}

	res = Validate(fields, map[string]string{"a": "x", "c": "y"})
	if !res.Valid || len(res.Errors) != 0 {
		t.Fatalf("expected valid, got %+v", res)
	}
	if res.Valid != (len(res.Errors) == 0) {
		t.Fatalf("valid flag must mirror error count")
	}
}

func TestValidateErrorOrderFollowsFieldOrder(t *testing.T) {
	fields := []Field{
		{Name: "z", Label: "Z", Required: true},
		{Name: "a", Label: "A", Required: true},
	}
	res := Validate(fields, map[string]string{})
	want := []string{"Z is required", "A is required"}
	if !reflect.DeepEqual(res.Errors, want) {
		t.Fatalf("expected %v, got %v", want, res.Errors)
	}
}

func TestSeedIsFullResync(t *testing.T) {
	fields := []Field{
		{Name: "topic", Value: "default-topic"},
		{Name: "tone", Value: "formal"},
	}
	existing := map[string]string{"topic": "edited", "stale": "dropped"}

	got := Seed(fields, existing)
	want := map[string]string{"topic": "edited", "tone": "formal"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if got := Seed(nil, existing); len(got) != 0 {
		t.Fatalf("zero fields must clear form data, got %v", got)
	}
}

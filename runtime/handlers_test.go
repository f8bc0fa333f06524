package runtime

import (
	"reflect"
	"testing"

	"github.com/weftworks/weft/workflow"
)

func TestRunTransformJSONPath(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]any
		want    any
		wantErr bool
	}{
		{
			name: "nested key",
			params: map[string]any{
				"input": map[string]any{"order": map[string]any{"id": "ord-1"}},
				"path":  "order.id",
			},
			want: "ord-1",
		},
		{
			name: "array index",
			params: map[string]any{
				"input": map[string]any{"items": []any{"a", "b"}},
				"path":  "$.items[1]",
			},
			want: "b",
		},
		{
			name: "root",
			params: map[string]any{
				"input": map[string]any{"x": float64(1)},
				"path":  "$",
			},
			want: map[string]any{"x": float64(1)},
		},
		{
			name:    "missing path param",
			params:  map[string]any{"input": map[string]any{}},
			wantErr: true,
		},
		{
			name: "missing key",
			params: map[string]any{
				"input": map[string]any{"a": 1},
				"path":  "b",
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := runTransform("json_path", tt.params)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				if workflow.KindOf(err) != workflow.KindValidation {
					t.Errorf("error kind = %s", workflow.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunTransformTemplate(t *testing.T) {
	got, err := runTransform("template", map[string]any{
		"template": "Invoice {{order.id}} for {{order.total}} EUR",
		"values": map[string]any{
			"order": map[string]any{"id": "ord-9", "total": 41.5},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Invoice ord-9 for 41.5 EUR" {
		t.Errorf("got %q", got)
	}

	// Unresolvable placeholders fail instead of leaking braces.
	if _, err := runTransform("template", map[string]any{
		"template": "{{missing}}",
		"values":   map[string]any{},
	}); err == nil {
		t.Errorf("unresolvable placeholder did not error")
	}
}

func TestRunTransformMerge(t *testing.T) {
	got, err := runTransform("merge", map[string]any{
		"inputs": []any{
			map[string]any{"a": 1, "b": 1},
			map[string]any{"b": 2, "c": 3},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"a": 1, "b": 2, "c": 3}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := runTransform("merge", map[string]any{"inputs": []any{"not an object"}}); err == nil {
		t.Errorf("non-object input did not error")
	}
}

func TestRunTransformUnknownOperation(t *testing.T) {
	if _, err := runTransform("reverse", nil); err == nil {
		t.Errorf("unknown operation did not error")
	}
}

func TestRunBranchSwitch(t *testing.T) {
	edges := []workflow.Edge{
		{From: "route", To: "a", Label: "urgent"},
		{From: "route", To: "b", Label: "routine"},
	}

	out, err := runBranch("switch", map[string]any{"value": "urgent"}, edges)
	if err != nil {
		t.Fatal(err)
	}
	if out.Selected != "urgent" {
		t.Errorf("selected = %q", out.Selected)
	}

	// No matching label falls back to the default.
	out, err = runBranch("switch", map[string]any{"value": "other", "default": "routine"}, edges)
	if err != nil {
		t.Fatal(err)
	}
	if out.Selected != "routine" {
		t.Errorf("selected = %q, want routine", out.Selected)
	}

	// No match and no default selects nothing; every labeled path skips.
	out, err = runBranch("switch", map[string]any{"value": "other"}, edges)
	if err != nil {
		t.Fatal(err)
	}
	if out.Selected != "" {
		t.Errorf("selected = %q, want empty", out.Selected)
	}

	// Non-string values compare through their printed form.
	out, err = runBranch("switch", map[string]any{"value": float64(2)}, []workflow.Edge{
		{From: "route", To: "a", Label: "2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Selected != "2" {
		t.Errorf("selected = %q, want 2", out.Selected)
	}
}

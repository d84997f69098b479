package idempotency

import (
	"encoding/json"
	"testing"
)

func mustHash(t *testing.T, v any) string {
	t.Helper()
	h, err := ComputeHash(v)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestComputeHashKeyOrderIndependent(t *testing.T) {
	var a, b any
	if err := json.Unmarshal([]byte(`{"a":1,"b":2}`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"b":2,"a":1}`), &b); err != nil {
		t.Fatal(err)
	}
	if mustHash(t, a) != mustHash(t, b) {
		t.Error("hashes differ for reordered keys")
	}
}

func TestComputeHashValueSensitive(t *testing.T) {
	if mustHash(t, map[string]any{"a": 1}) == mustHash(t, map[string]any{"a": 2}) {
		t.Error("hashes equal for different values")
	}
}

func TestComputeHashNested(t *testing.T) {
	a := map[string]any{"outer": map[string]any{"x": 1, "y": []any{"p", "q"}}, "z": true}
	b := map[string]any{"z": true, "outer": map[string]any{"y": []any{"p", "q"}, "x": 1}}
	if mustHash(t, a) != mustHash(t, b) {
		t.Error("hashes differ for reordered nested keys")
	}

	c := map[string]any{"outer": map[string]any{"x": 1, "y": []any{"q", "p"}}, "z": true}
	if mustHash(t, a) == mustHash(t, c) {
		t.Error("array order must be significant")
	}
}

func TestComputeHashStructsAndMapsAgree(t *testing.T) {
	type req struct {
		Chat string `json:"chat"`
		Text string `json:"text"`
	}
	structHash := mustHash(t, req{Chat: "c1", Text: "hi"})
	mapHash := mustHash(t, map[string]any{"text": "hi", "chat": "c1"})
	if structHash != mapHash {
		t.Error("struct and equivalent map should hash identically")
	}
}

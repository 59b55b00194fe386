package identity

import "testing"

func TestContentHashStableUnderKeyOrder(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1}
	b := map[string]any{"a": 1, "b": 2}

	ha, err := ContentHash(a)
	if err != nil {
		t.Fatalf("content hash a: %v", err)
	}
	hb, err := ContentHash(b)
	if err != nil {
		t.Fatalf("content hash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected identical hashes regardless of map key order, got %s != %s", ha, hb)
	}
}

func TestContentHashChangesWithValue(t *testing.T) {
	h1, _ := ContentHash(map[string]any{"x": 1})
	h2, _ := ContentHash(map[string]any{"x": 2})
	if h1 == h2 {
		t.Fatal("expected different hashes for different values")
	}
}

func TestHashStringDeterministic(t *testing.T) {
	if HashString("abc") != HashString("abc") {
		t.Fatal("expected deterministic hash")
	}
	if HashString("abc") == HashString("abd") {
		t.Fatal("expected different hashes for different inputs")
	}
}

func TestMachineIDNonEmpty(t *testing.T) {
	id := MachineID()
	if id == "" {
		t.Fatal("expected non-empty machine id")
	}
}

// Copyright 2026 The Hatchery Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestDeterministicEncoding(t *testing.T) {
	// Maps are the usual source of nondeterminism. Encode the same map
	// repeatedly and require identical bytes every time.
	value := map[string]any{
		"zulu":  "last",
		"alpha": "first",
		"mike":  42,
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	for i := 0; i < 50; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal failed on iteration %d: %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding is not deterministic: iteration %d differs", i)
		}
	}
}

func TestStructRoundtrip(t *testing.T) {
	type record struct {
		Name    string `cbor:"name"`
		Version int    `cbor:"version"`
		Data    []byte `cbor:"data"`
	}

	original := record{Name: "weather/daily", Version: 3, Data: []byte{1, 2, 3}}

	encoded, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded record
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.Name != original.Name || decoded.Version != original.Version ||
		!bytes.Equal(decoded.Data, original.Data) {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	encoded, err := Marshal(map[string]any{"name": "x", "extra": "future field"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded struct {
		Name string `cbor:"name"`
	}
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown field failed: %v", err)
	}
	if decoded.Name != "x" {
		t.Errorf("Name = %q, want %q", decoded.Name, "x")
	}
}

func TestAnyDecodeUsesStringKeys(t *testing.T) {
	encoded, err := Marshal(map[string]any{"outer": map[string]any{"inner": 1}})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded any
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type is %T, want map[string]any", decoded)
	}
	if _, ok := outer["outer"].(map[string]any); !ok {
		t.Fatalf("nested type is %T, want map[string]any", outer["outer"])
	}
}

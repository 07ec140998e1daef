// Copyright 2025 Certen Protocol

package storekv

import "testing"

// ============================================================================
// Round-trip
// ============================================================================

func TestStore_PutGetDelete(t *testing.T) {
	s := OpenMem()
	defer s.Close()

	key := []byte("digest-key")
	value := []byte("payload-bytes")

	if err := s.Put(key, value); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(value) {
		t.Fatalf("got %q, want %q", got, value)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, err = s.Get(key)
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %q", got)
	}
}

func TestStore_IterAll(t *testing.T) {
	s := OpenMem()
	defer s.Close()

	want := map[string]string{
		"a": "1",
		"b": "2",
		"c": "3",
	}
	for k, v := range want {
		if err := s.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	seen := map[string]string{}
	err := s.IterAll(func(key, value []byte) error {
		seen[string(key)] = string(value)
		return nil
	})
	if err != nil {
		t.Fatalf("iterall: %v", err)
	}
	if len(seen) != len(want) {
		t.Fatalf("got %d entries, want %d", len(seen), len(want))
	}
	for k, v := range want {
		if seen[k] != v {
			t.Errorf("key %s: got %q, want %q", k, seen[k], v)
		}
	}
}

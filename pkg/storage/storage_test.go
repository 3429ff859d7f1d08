package storage

import (
	"path/filepath"
	"sort"
	"testing"
)

// storeTest exercises the Store contract against any implementation.
func storeTest(t *testing.T, s Store) {
	t.Helper()

	// Missing key
	if _, err := s.Get("missing"); err != ErrNotFound {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}

	// Set / Get
	if err := s.Set("a", []byte("1")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := s.Get("a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "1" {
		t.Errorf("Get() = %q, want %q", got, "1")
	}

	// Overwrite
	s.Set("a", []byte("2"))
	got, _ = s.Get("a")
	if string(got) != "2" {
		t.Errorf("Get() after overwrite = %q, want %q", got, "2")
	}

	// Keys
	s.Set("b", []byte("3"))
	keys, err := s.Keys()
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Keys() = %v, want [a b]", keys)
	}

	// Delete (idempotent)
	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete("a"); err != nil {
		t.Errorf("Delete() twice error = %v", err)
	}
	if _, err := s.Get("a"); err != ErrNotFound {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}

	// Clear
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	keys, _ = s.Keys()
	if len(keys) != 0 {
		t.Errorf("Keys() after Clear = %v, want empty", keys)
	}
}

func TestMemoryStore(t *testing.T) {
	storeTest(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore() error = %v", err)
	}
	defer s.Close()

	storeTest(t, s)
}

func TestMemoryStore_CopiesValues(t *testing.T) {
	s := NewMemoryStore()

	value := []byte("abc")
	s.Set("k", value)
	value[0] = 'x'

	got, _ := s.Get("k")
	if string(got) != "abc" {
		t.Errorf("Get() = %q, stored value was mutated by caller", got)
	}
}

func TestNamespace(t *testing.T) {
	backing := NewMemoryStore()
	a := Namespace(backing, "sessions")
	b := Namespace(backing, "certificates")

	a.Set("k", []byte("session"))
	b.Set("k", []byte("cert"))

	got, err := a.Get("k")
	if err != nil || string(got) != "session" {
		t.Errorf("namespace a Get() = %q, %v", got, err)
	}
	got, err = b.Get("k")
	if err != nil || string(got) != "cert" {
		t.Errorf("namespace b Get() = %q, %v", got, err)
	}

	// Keys are scoped
	keys, _ := a.Keys()
	if len(keys) != 1 || keys[0] != "k" {
		t.Errorf("namespace Keys() = %v, want [k]", keys)
	}

	// Clear only touches one namespace
	a.Clear()
	if _, err := a.Get("k"); err != ErrNotFound {
		t.Error("namespace a should be empty after Clear")
	}
	if _, err := b.Get("k"); err != nil {
		t.Error("namespace b should be untouched by a.Clear")
	}
}

// Package storage provides namespaced key-value persistence for node state
// (session resumption records, fabric credentials, counters).
//
// The core never touches a filesystem or database directly; it talks to a
// Store scoped to a logical namespace. Two implementations are provided:
// an in-memory store for tests and ephemeral nodes, and a SQLite-backed
// store for durable deployments.
package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("storage: key not found")

	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("storage: closed")
)

// Store is a flat key-value store. All methods must be safe for concurrent
// use. Values are opaque byte slices owned by the caller.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set writes the value for key, overwriting any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys returns all keys in the store, in unspecified order.
	Keys() ([]string, error)

	// Clear removes all keys.
	Clear() error
}

// Namespace returns a view of store scoped under the given prefix.
// Keys written through the view never collide with other namespaces.
func Namespace(store Store, prefix string) Store {
	return &namespaced{store: store, prefix: prefix + "/"}
}

type namespaced struct {
	store  Store
	prefix string
}

func (n *namespaced) Get(key string) ([]byte, error) {
	return n.store.Get(n.prefix + key)
}

func (n *namespaced) Set(key string, value []byte) error {
	return n.store.Set(n.prefix+key, value)
}

func (n *namespaced) Delete(key string) error {
	return n.store.Delete(n.prefix + key)
}

func (n *namespaced) Keys() ([]string, error) {
	all, err := n.store.Keys()
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range all {
		if len(k) >= len(n.prefix) && k[:len(n.prefix)] == n.prefix {
			keys = append(keys, k[len(n.prefix):])
		}
	}
	return keys, nil
}

func (n *namespaced) Clear() error {
	keys, err := n.Keys()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := n.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

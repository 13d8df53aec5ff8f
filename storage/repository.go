// Package storage provides the persisted key-value abstraction for client
// state. Values are sealed envelopes; keys are scoped by namespace.
package storage

import "errors"

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned when a namespace has never been written.
	ErrNamespaceNotFound = errors.New("namespace not found")
)

// BatchTx exposes writes within a single atomic transaction. The namespace
// is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(key string, envelope *Envelope) error
	// Delete removes key. Missing keys are ignored.
	Delete(key string) error
	// List returns the keys starting with prefix.
	List(prefix string) ([]string, error)
}

// Repository defines the interface for sealed record storage.
type Repository interface {
	Put(namespace string, key string, envelope *Envelope) error
	Get(namespace string, key string) (*Envelope, error)
	Delete(namespace string, key string) error
	List(namespace string, prefix string) ([]string, error)
	// Batch runs fn atomically: either every write lands or none does.
	Batch(namespace string, fn func(tx BatchTx) error) error
}

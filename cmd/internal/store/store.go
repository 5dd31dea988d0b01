// Package store provides the durable key-value backends behind auth state and session records.
//
// Every backend addresses records by a composite Key ({namespace}:{name}) and stores opaque
// text payloads (JSON produced by the codec package). Backends differ only in where bytes live:
//   - Memory: process-local map (dev / tests, cache role)
//   - SQLite: document table (modernc.org/sqlite)
//   - Postgres: wide table keyed by (namespace, name) with a JSONB item (pgx)
//   - NATS: JetStream KeyValue bucket
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.New("record not found")

	// ErrTransientIO is returned when the backend could not be reached or failed mid-operation.
	// Callers may retry with backoff.
	ErrTransientIO = errors.New("transient storage error")

	// ErrInvalidKey is returned for keys with an empty namespace or name.
	ErrInvalidKey = errors.New("invalid key")
)

// TransientError wraps a backend failure with the operation and key it affected.
type TransientError struct {
	Op  string
	Key Key
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransientError) Unwrap() []error { return []error{ErrTransientIO, e.Err} }

func transient(op string, key Key, err error) error {
	return &TransientError{Op: op, Key: key, Err: err}
}

// Key is the composite record identifier.
type Key struct {
	Namespace string
	Name      string
}

// NewKey constructs a Key.
func NewKey(namespace, name string) Key {
	return Key{Namespace: namespace, Name: name}
}

// String renders the persisted form "{namespace}:{name}".
func (k Key) String() string {
	return k.Namespace + ":" + k.Name
}

// Validate rejects empty components.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Namespace) == "" || strings.TrimSpace(k.Name) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
	}
	return nil
}

// Backend is the persistence contract shared by all storage implementations.
//
// Requirements:
//   - Get returns ErrNotFound for missing records and a TransientError for I/O failures.
//   - Put is an atomic upsert of a single record.
//   - Delete of a missing record is not an error.
type Backend interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Put(ctx context.Context, key Key, value []byte) error
	Delete(ctx context.Context, key Key) error
	Close() error
}

// Lister is implemented by backends that can enumerate the names stored under a namespace.
type Lister interface {
	List(ctx context.Context, namespace string) ([]string, error)
}

// IsNotFound reports whether err signals a missing record.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsTransient reports whether err is a retryable backend failure.
func IsTransient(err error) bool { return errors.Is(err, ErrTransientIO) }

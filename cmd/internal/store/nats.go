package store

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/nats-io/nats.go/jetstream"
)

// NATS is a cache-style Backend on a JetStream KeyValue bucket.
//
// KV keys only allow [-/_=.a-zA-Z0-9], so both key components are base64url encoded:
// "<ns>.<name>". Bucket lifecycle (creation, TTL, replicas) belongs to the caller.
type NATS struct {
	kv jetstream.KeyValue
}

// NewNATS wraps an existing KeyValue bucket.
func NewNATS(kv jetstream.KeyValue) (*NATS, error) {
	if kv == nil {
		return nil, errors.New("store: nil key-value bucket")
	}
	return &NATS{kv: kv}, nil
}

// Close is a no-op; the NATS connection is owned by the caller.
func (s *NATS) Close() error { return nil }

// Get loads the value for key.
func (s *NATS) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	entry, err := s.kv.Get(ctx, natsKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient("get", key, err)
	}
	return entry.Value(), nil
}

// Put writes the value for key.
func (s *NATS) Put(ctx context.Context, key Key, value []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}

	if _, err := s.kv.Put(ctx, natsKey(key), value); err != nil {
		return transient("put", key, err)
	}
	return nil
}

// Delete places a delete marker for key.
func (s *NATS) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	err := s.kv.Delete(ctx, natsKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return transient("delete", key, err)
	}
	return nil
}

// List returns names stored under namespace.
func (s *NATS) List(ctx context.Context, namespace string) ([]string, error) {
	prefix := natsComponent(namespace) + "."

	lister, err := s.kv.ListKeysFiltered(ctx, prefix+">")
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, transient("list", Key{Namespace: namespace}, err)
	}
	defer func() { _ = lister.Stop() }()

	out := make([]string, 0)
	for k := range lister.Keys() {
		enc, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		name, err := base64.RawURLEncoding.DecodeString(enc)
		if err != nil {
			continue
		}
		out = append(out, string(name))
	}
	return out, nil
}

func natsKey(k Key) string {
	return natsComponent(k.Namespace) + "." + natsComponent(k.Name)
}

func natsComponent(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

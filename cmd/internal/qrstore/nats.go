package qrstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// NATS is a Store on a JetStream KeyValue bucket so any instance can serve a QR
// produced by the session owner. Expiry is the bucket TTL.
type NATS struct {
	kv jetstream.KeyValue
}

// NewNATS wraps a KeyValue bucket created with TTL set to the QR lifetime.
func NewNATS(kv jetstream.KeyValue) (*NATS, error) {
	if kv == nil {
		return nil, errors.New("qrstore: nil key-value bucket")
	}
	return &NATS{kv: kv}, nil
}

// Put implements Store.
func (n *NATS) Put(ctx context.Context, sessionID, image string) error {
	if _, err := n.kv.PutString(ctx, natsKey(sessionID), image); err != nil {
		return fmt.Errorf("qrstore put: %w", err)
	}
	return nil
}

// Get implements Store.
func (n *NATS) Get(ctx context.Context, sessionID string) (string, error) {
	entry, err := n.kv.Get(ctx, natsKey(sessionID))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("qrstore get: %w", err)
	}
	return string(entry.Value()), nil
}

// Delete implements Store.
func (n *NATS) Delete(ctx context.Context, sessionID string) error {
	err := n.kv.Delete(ctx, natsKey(sessionID))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("qrstore delete: %w", err)
	}
	return nil
}

func natsKey(sessionID string) string {
	return "qr." + base64.RawURLEncoding.EncodeToString([]byte(sessionID))
}

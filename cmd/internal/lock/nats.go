package lock

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// NATS is a lock Backend on a JetStream KeyValue bucket.
//
// The bucket's TTL (max age) must equal the lease TTL: an entry that is not rewritten
// within the TTL is purged by the server. Every write is a compare-and-set on the
// entry revision, so concurrent claims resolve to exactly one winner.
type NATS struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

// NewNATS wraps a KeyValue bucket created with TTL equal to the lease TTL.
func NewNATS(kv jetstream.KeyValue) (*NATS, error) {
	if kv == nil {
		return nil, errors.New("lock: nil key-value bucket")
	}
	return &NATS{kv: kv, now: time.Now}, nil
}

// Acquire implements Backend.
func (n *NATS) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	k := natsLockKey(key)

	entry, err := n.kv.Get(ctx, k)
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound), errors.Is(err, jetstream.ErrKeyDeleted):
		if _, err := n.kv.Create(ctx, k, []byte(owner)); err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return false, nil
			}
			return false, transient("acquire", key, err)
		}
		return true, nil
	case err != nil:
		return false, transient("acquire", key, err)
	}

	expired := !n.now().Before(entry.Created().Add(ttl))
	if string(entry.Value()) != owner && !expired {
		return false, nil
	}
	if _, err := n.kv.Update(ctx, k, []byte(owner), entry.Revision()); err != nil {
		if isWrongRevision(err) {
			return false, nil
		}
		return false, transient("acquire", key, err)
	}
	return true, nil
}

// Extend implements Backend. Rewriting the entry resets its age in the bucket.
func (n *NATS) Extend(ctx context.Context, key, owner string, _ time.Duration) (bool, error) {
	k := natsLockKey(key)

	entry, err := n.kv.Get(ctx, k)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return false, nil
	}
	if err != nil {
		return false, transient("extend", key, err)
	}
	if string(entry.Value()) != owner {
		return false, nil
	}
	if _, err := n.kv.Update(ctx, k, []byte(owner), entry.Revision()); err != nil {
		if isWrongRevision(err) {
			return false, nil
		}
		return false, transient("extend", key, err)
	}
	return true, nil
}

// Release implements Backend.
func (n *NATS) Release(ctx context.Context, key, owner string) error {
	k := natsLockKey(key)

	entry, err := n.kv.Get(ctx, k)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil
	}
	if err != nil {
		return transient("release", key, err)
	}
	if string(entry.Value()) != owner {
		return nil
	}
	if err := n.kv.Delete(ctx, k, jetstream.LastRevision(entry.Revision())); err != nil && !isWrongRevision(err) {
		return transient("release", key, err)
	}
	return nil
}

// Holder implements Backend. Entries older than the lease TTL are purged by the bucket,
// so any entry present counts as held.
func (n *NATS) Holder(ctx context.Context, key string) (string, bool, error) {
	entry, err := n.kv.Get(ctx, natsLockKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return "", false, nil
	}
	if err != nil {
		return "", false, transient("holder", key, err)
	}
	return string(entry.Value()), true, nil
}

// natsLockKey maps a lock key onto the KV key alphabet ([-/_=.a-zA-Z0-9]). The key is
// base64url encoded whole, so distinct lock keys never collapse onto one entry.
func natsLockKey(key string) string {
	return "lock." + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return true
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}

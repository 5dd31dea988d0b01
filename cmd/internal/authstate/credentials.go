package authstate

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Credentials is the opaque identity bundle needed to reopen a connection without re-pairing.
// Values are codec trees: maps, slices, scalars and []byte.
type Credentials map[string]any

// Clone returns a deep copy so callers never share mutable state with the store.
func (c Credentials) Clone() Credentials {
	if c == nil {
		return nil
	}
	out, _ := deepCopy(map[string]any(c)).(map[string]any)
	return out
}

// Merge applies a shallow patch (a credentials update from the transport) and returns the result.
// Keys set to nil in patch are kept as explicit nulls.
func (c Credentials) Merge(patch map[string]any) Credentials {
	out := c.Clone()
	if out == nil {
		out = make(Credentials, len(patch))
	}
	for k, v := range patch {
		out[k] = deepCopy(v)
	}
	return out
}

// NewCredentials generates a fresh credentials bundle: Curve25519 noise, identity and
// signed pre-key pairs, a 14-bit registration id and a random adv secret.
func NewCredentials() (Credentials, error) {
	noise, err := newKeyPair()
	if err != nil {
		return nil, fmt.Errorf("noise key: %w", err)
	}
	identity, err := newKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}
	preKey, err := newKeyPair()
	if err != nil {
		return nil, fmt.Errorf("signed pre-key: %w", err)
	}

	var rid [2]byte
	if _, err := rand.Read(rid[:]); err != nil {
		return nil, fmt.Errorf("registration id: %w", err)
	}
	adv := make([]byte, 32)
	if _, err := rand.Read(adv); err != nil {
		return nil, fmt.Errorf("adv secret: %w", err)
	}

	return Credentials{
		"noiseKey":                 noise,
		"signedIdentityKey":        identity,
		"signedPreKey":             map[string]any{"keyPair": preKey, "keyId": int64(1)},
		"registrationId":           int64(binary.BigEndian.Uint16(rid[:]) & 16383),
		"advSecretKey":             base64.StdEncoding.EncodeToString(adv),
		"processedHistoryMessages": []any{},
		"nextPreKeyId":             int64(1),
		"firstUnuploadedPreKeyId":  int64(1),
		"accountSyncCounter":       int64(0),
		"accountSettings":          map[string]any{"unarchiveChats": false},
		"registered":               false,
	}, nil
}

func newKeyPair() (map[string]any, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return map[string]any{"private": priv, "public": pub}, nil
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case Credentials:
		return deepCopy(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case []byte:
		b := make([]byte, len(t))
		copy(b, t)
		return b
	default:
		return t
	}
}

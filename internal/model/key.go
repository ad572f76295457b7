package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

type (
	// IdentityKeys is the public half of an account's identity.
	IdentityKeys struct {
		Curve25519 string `json:"identity_key" bson:"identity_key"`
		Ed25519    string `json:"fingerprint_key" bson:"fingerprint_key"`
	}

	// OneTimeKeys maps a key id to an encoded Curve25519 public key.
	OneTimeKeys map[string]string

	// KeyBundle is what an account publishes to the key directory.
	// Signature is made with the fingerprint key over SigningPayload.
	KeyBundle struct {
		User        string       `json:"user"`
		Identity    IdentityKeys `json:"identity"`
		OneTimeKeys OneTimeKeys  `json:"one_time_keys"`
		// FallbackKey holds at most one key, handed out once the one-time
		// keys are gone.
		FallbackKey OneTimeKeys  `json:"fallback_key,omitempty"`
		Signature   string       `json:"signature"`
	}

	// ClaimedKeys is what a peer receives when starting a session.
	ClaimedKeys struct {
		User         string       `json:"user"`
		Identity     IdentityKeys `json:"identity"`
		OneTimeKeyID string       `json:"one_time_key_id"`
		OneTimeKey   string       `json:"one_time_key"`
		Fallback     bool         `json:"fallback,omitempty"`
	}
)

type signedKey struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// SigningPayload is a canonical encoding of everything in the bundle
// except the signature.
func (b *KeyBundle) SigningPayload() []byte {
	data, _ := json.Marshal(struct {
		User        string       `json:"user"`
		Identity    IdentityKeys `json:"identity"`
		OneTimeKeys []signedKey  `json:"one_time_keys"`
		FallbackKey []signedKey  `json:"fallback_key,omitempty"`
	}{b.User, b.Identity, sortedKeys(b.OneTimeKeys), sortedKeys(b.FallbackKey)})
	return data
}

func sortedKeys(keys OneTimeKeys) []signedKey {
	out := make([]signedKey, 0, len(keys))
	for id, k := range keys {
		out = append(out, signedKey{ID: id, Key: k})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var ErrInvalidBundle = errors.New("invalid key bundle")

// Validate checks the shape of every key in the bundle.
func (b *KeyBundle) Validate(enc Encoding) error {
	if b.User == "" {
		return fmt.Errorf("%w: empty user", ErrInvalidBundle)
	}
	if err := checkKey(enc, "identity key", b.Identity.Curve25519); err != nil {
		return err
	}
	if err := checkKey(enc, "fingerprint key", b.Identity.Ed25519); err != nil {
		return err
	}
	for id, k := range b.OneTimeKeys {
		if id == "" {
			return fmt.Errorf("%w: empty key id", ErrInvalidBundle)
		}
		if err := checkKey(enc, "one-time key "+id, k); err != nil {
			return err
		}
	}
	if len(b.FallbackKey) > 1 {
		return fmt.Errorf("%w: %d fallback keys", ErrInvalidBundle, len(b.FallbackKey))
	}
	for id, k := range b.FallbackKey {
		if id == "" {
			return fmt.Errorf("%w: empty key id", ErrInvalidBundle)
		}
		if err := checkKey(enc, "fallback key "+id, k); err != nil {
			return err
		}
	}
	if b.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidBundle)
	}
	return nil
}

func checkKey(enc Encoding, name, key string) error {
	raw, err := enc.Decode(key)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidBundle, name, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("%w: %s has %d bytes", ErrInvalidBundle, name, len(raw))
	}
	return nil
}

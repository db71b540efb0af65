package keystore

import (
	"context"
	"encoding/hex"
	"errors"
	"os"
	"strings"
)

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrNoDefaultKey     = errors.New("default key not configured")
	ErrInvalidKeyFormat = errors.New("invalid SIGNING_KEYS format")
)

// StaticKeyStore is a simple in-memory keystore for protocol signing keys.
type StaticKeyStore struct {
	keys         map[string][]byte
	defaultKeyID string
}

// New builds a keystore holding a single default key. The secret is decoded
// as hex when possible and used verbatim otherwise. An empty secret yields an
// empty keystore.
func New(keyID, secret string) *StaticKeyStore {
	ks := &StaticKeyStore{keys: map[string][]byte{}}
	if secret == "" {
		return ks
	}
	if keyID == "" {
		keyID = "default"
	}
	ks.keys[keyID] = decodeSecret(secret)
	ks.defaultKeyID = keyID
	return ks
}

// NewFromEnv builds a keystore from environment variables.
// SIGNING_KEYS format: "keyId:hex,keyId2:hex".
// SIGNING_DEFAULT_KEY_ID sets the default key id.
func NewFromEnv() (*StaticKeyStore, error) {
	keys := make(map[string][]byte)
	raw := os.Getenv("SIGNING_KEYS")
	if raw != "" {
		pairs := strings.Split(raw, ",")
		for _, p := range pairs {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 || parts[0] == "" {
				return nil, ErrInvalidKeyFormat
			}
			bytes, err := hex.DecodeString(parts[1])
			if err != nil {
				return nil, err
			}
			keys[parts[0]] = bytes
		}
	}
	return &StaticKeyStore{
		keys:         keys,
		defaultKeyID: os.Getenv("SIGNING_DEFAULT_KEY_ID"),
	}, nil
}

// Merge adds the keys of other, keeping existing ids. The default key id is
// taken from other when s has none.
func (s *StaticKeyStore) Merge(other *StaticKeyStore) {
	if other == nil {
		return
	}
	for id, k := range other.keys {
		if _, ok := s.keys[id]; !ok {
			s.keys[id] = k
		}
	}
	if s.defaultKeyID == "" {
		s.defaultKeyID = other.defaultKeyID
	}
}

func (s *StaticKeyStore) GetKey(ctx context.Context, keyID string) ([]byte, error) {
	_ = ctx
	key, ok := s.keys[keyID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// DefaultKey returns the default key id and key.
func (s *StaticKeyStore) DefaultKey(ctx context.Context) (string, []byte, error) {
	if s == nil || s.defaultKeyID == "" {
		return "", nil, ErrNoDefaultKey
	}
	key, err := s.GetKey(ctx, s.defaultKeyID)
	return s.defaultKeyID, key, err
}

// HasDefault reports whether a default signing key is available.
func (s *StaticKeyStore) HasDefault() bool {
	_, _, err := s.DefaultKey(context.Background())
	return err == nil
}

func decodeSecret(secret string) []byte {
	if b, err := hex.DecodeString(secret); err == nil && len(b) > 0 {
		return b
	}
	return []byte(secret)
}

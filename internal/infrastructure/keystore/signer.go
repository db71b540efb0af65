package keystore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Protocol headers added to secured requests.
const (
	HeaderKeyID     = "X-X402-Key-Id"
	HeaderTimestamp = "X-X402-Timestamp"
	HeaderSignature = "X-X402-Signature"
)

var ErrSignatureMismatch = errors.New("protocol signature verification failed")

// Signer adds HMAC-SHA256 protocol headers to outgoing requests.
type Signer struct {
	keys *StaticKeyStore
	now  func() time.Time
}

// NewSigner signs with the default key of ks.
func NewSigner(ks *StaticKeyStore) *Signer {
	return &Signer{keys: ks, now: time.Now}
}

// Enabled reports whether a signing key is configured.
func (s *Signer) Enabled() bool {
	return s != nil && s.keys.HasDefault()
}

// Sign sets the protocol headers on req for the given body.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	if s == nil {
		return ErrNoDefaultKey
	}
	keyID, key, err := s.keys.DefaultKey(req.Context())
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(s.now().UTC().Unix(), 10)
	req.Header.Set(HeaderKeyID, keyID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, "sha256="+computeSignature(key, ts, req.Method, req.URL.RequestURI(), body))
	return nil
}

// Verify checks the protocol headers of an incoming request against ks.
func Verify(ctx context.Context, ks *StaticKeyStore, r *http.Request, body []byte) error {
	key, err := ks.GetKey(ctx, r.Header.Get(HeaderKeyID))
	if err != nil {
		return ErrSignatureMismatch
	}
	sig := r.Header.Get(HeaderSignature)
	if len(sig) > len("sha256=") && sig[:len("sha256=")] == "sha256=" {
		sig = sig[len("sha256="):]
	}
	actual, err := hex.DecodeString(sig)
	if err != nil {
		return ErrSignatureMismatch
	}
	expected, _ := hex.DecodeString(computeSignature(key, r.Header.Get(HeaderTimestamp), r.Method, r.URL.RequestURI(), body))
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

func computeSignature(key []byte, ts, method, uri string, body []byte) string {
	mac := hmac.New(sha256.New, key)
	_, _ = fmt.Fprintf(mac, "%s\n%s\n%s\n", ts, method, uri)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

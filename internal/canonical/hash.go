package canonical

import (
	"crypto/sha256"
	"encoding/hex"
)

// Domain prefixes for content-addressed identity. The version suffix leaves
// room for algorithm migration without colliding old and new hashes.
const (
	DomainIdempotency = "lectern/idempotency/v1"
	DomainInput       = "lectern/input/v1"
	DomainAnswer      = "lectern/answer/v1"
	DomainConfig      = "lectern/config/v1"
)

// HashBytes computes SHA-256 with domain separation:
// SHA256(domain || 0x00 || data). The null separator prevents domain/data
// boundary ambiguity.
func HashBytes(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash canonicalizes v and hashes it under the given domain.
func Hash(domain string, v any) (string, error) {
	data, err := MarshalJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(domain, data), nil
}

package signature

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/csai/reqguard/internal/reject"
)

type Algorithm string

const (
	HMACSHA256  Algorithm = "hmac-sha256"
	HMACSHA512  Algorithm = "hmac-sha512"
	HMACSHA3256 Algorithm = "hmac-sha3-256"
	Ed25519     Algorithm = "ed25519"
	Ed448       Algorithm = "ed448"
)

func ParseAlgorithm(s string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case HMACSHA256, HMACSHA512, HMACSHA3256, Ed25519, Ed448:
		return a, nil
	}
	return "", reject.New(reject.UnsupportedAlgorithm, s)
}

// Symmetric reports whether a is a shared-secret MAC.
func (a Algorithm) Symmetric() bool {
	return a.hash() != nil
}

func (a Algorithm) hash() func() hash.Hash {
	switch a {
	case HMACSHA256:
		return sha256.New
	case HMACSHA512:
		return sha512.New
	case HMACSHA3256:
		return sha3.New256
	}
	return nil
}

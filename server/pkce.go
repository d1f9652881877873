package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// PKCEMethodPlain compares verifier and challenge directly.
	PKCEMethodPlain = "plain"
	// PKCEMethodS256 hashes the verifier before comparison.
	PKCEMethodS256 = "S256"
)

// PKCEChallengeS256 derives the S256 code_challenge for a verifier:
// base64url (no padding) of the SHA-256 digest.
func PKCEChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyPKCE checks a code_verifier against the challenge recorded at
// /authorize. An empty method defaults to plain, per RFC 7636.
func VerifyPKCE(method, challenge, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	switch method {
	case PKCEMethodS256:
		if subtle.ConstantTimeCompare([]byte(PKCEChallengeS256(verifier)), []byte(challenge)) != 1 {
			return errors.New("pkce verification failed")
		}
	case PKCEMethodPlain, "":
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return errors.New("pkce verification failed")
		}
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", method)
	}
	return nil
}

// ValidPKCEMethod reports whether the method is one the broker supports.
func ValidPKCEMethod(method string) bool {
	switch method {
	case "", PKCEMethodPlain, PKCEMethodS256:
		return true
	}
	return false
}

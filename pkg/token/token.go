// Package token implements the shared-secret challenge used to authenticate
// the forwarding client without putting the secret on the wire.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

const (
	// NonceSize is the size of each of the two challenge nonces.
	NonceSize = 256

	// ChallengeSize is the size of the challenge message sent to the client.
	ChallengeSize = 2 * NonceSize

	// DigestSize is the size of the expected response.
	DigestSize = sha256.Size
)

var ErrBadChallenge = errors.New("token: challenge has wrong length")

// Normalize converts a configured token string into its wire form: the UTF-8
// encoding trimmed of surrounding whitespace.
func Normalize(s string) []byte {
	return []byte(strings.TrimSpace(s))
}

// Challenge generates a fresh two-nonce challenge and the digest the client
// must answer it with.
func Challenge(tok []byte) (expect [DigestSize]byte, challenge [ChallengeSize]byte, err error) {
	if _, err = rand.Read(challenge[:]); err != nil {
		return
	}
	expect, err = Respond(tok, challenge[:])
	return
}

// Respond computes the digest for a received challenge:
// SHA256(SHA256(tok||nonce1)||nonce2).
func Respond(tok, challenge []byte) (digest [DigestSize]byte, err error) {
	if len(challenge) != ChallengeSize {
		err = ErrBadChallenge
		return
	}
	h := sha256.New()
	h.Write(tok)
	h.Write(challenge[:NonceSize])
	d := h.Sum(nil)
	h.Reset()
	h.Write(d)
	h.Write(challenge[NonceSize:])
	h.Sum(digest[:0])
	return
}

// Verify reports whether resp matches expect. The comparison runs in
// constant time; resp must be exactly DigestSize bytes.
func Verify(expect [DigestSize]byte, resp []byte) bool {
	if len(resp) != DigestSize {
		return false
	}
	return subtle.ConstantTimeCompare(expect[:], resp) == 1
}

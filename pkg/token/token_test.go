package token

import (
	"bytes"
	"testing"
)

func TestChallengeResponse(t *testing.T) {
	tok := Normalize("  hunter2\n")
	if !bytes.Equal(tok, []byte("hunter2")) {
		t.Fatalf("normalize: got %q", tok)
	}

	expect, challenge, err := Challenge(tok)
	if err != nil {
		t.Fatal(err)
	}

	digest, err := Respond(tok, challenge[:])
	if err != nil {
		t.Fatal(err)
	}
	if digest != expect {
		t.Error("response does not match the expected digest")
	}
	if !Verify(expect, digest[:]) {
		t.Error("verify rejected the correct response")
	}
}

func TestBitFlipChangesDigest(t *testing.T) {
	tok := []byte("secret")
	expect, challenge, err := Challenge(tok)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("Token", func(t *testing.T) {
		bad := bytes.Clone(tok)
		bad[0] ^= 1
		digest, err := Respond(bad, challenge[:])
		if err != nil {
			t.Fatal(err)
		}
		if digest == expect {
			t.Error("flipping a token bit did not change the digest")
		}
	})
	for _, tc := range []struct {
		name string
		bit  int
	}{
		{"Nonce1", 0},
		{"Nonce2", NonceSize * 8},
	} {
		t.Run(tc.name, func(t *testing.T) {
			bad := bytes.Clone(challenge[:])
			bad[tc.bit/8] ^= 1 << (tc.bit % 8)
			digest, err := Respond(tok, bad)
			if err != nil {
				t.Fatal(err)
			}
			if digest == expect {
				t.Error("flipping a nonce bit did not change the digest")
			}
		})
	}
}

func TestRespondRejectsShortChallenge(t *testing.T) {
	if _, err := Respond([]byte("t"), make([]byte, ChallengeSize-1)); err == nil {
		t.Error("expected an error for a short challenge")
	}
}

func TestVerifyRejectsWrongLength(t *testing.T) {
	var expect [DigestSize]byte
	if Verify(expect, expect[:DigestSize-1]) {
		t.Error("verify accepted a short response")
	}
	if Verify(expect, make([]byte, DigestSize+1)) {
		t.Error("verify accepted a long response")
	}
}

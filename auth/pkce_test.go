package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

func TestGenerateCodeVerifier(t *testing.T) {
	for _, length := range []int{MinCodeVerifierLength, DefaultCodeVerifierLength, MaxCodeVerifierLength} {
		verifier, err := GenerateCodeVerifier(length)
		if err != nil {
			t.Fatalf("GenerateCodeVerifier(%d) error: %v", length, err)
		}

		if len(verifier) != length {
			t.Errorf("Expected length %d, got %d", length, len(verifier))
		}

		for i, c := range verifier {
			if !strings.ContainsRune(codeVerifierCharset, c) {
				t.Errorf("Invalid character at position %d: %c", i, c)
			}
		}
	}
}

func TestGenerateCodeVerifierRejectsLength(t *testing.T) {
	for _, length := range []int{0, 42, 129} {
		if _, err := GenerateCodeVerifier(length); !apperrors.IsKind(err, apperrors.KindInvalidRequest) {
			t.Errorf("Expected invalid request error for length %d, got %v", length, err)
		}
	}
}

func TestGenerateCodeVerifierUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		v, err := GenerateCodeVerifier(DefaultCodeVerifierLength)
		if err != nil {
			t.Fatalf("GenerateCodeVerifier() error: %v", err)
		}
		if seen[v] {
			t.Fatal("Generated verifiers should be different")
		}
		seen[v] = true
	}
}

func TestComputeCodeChallenge(t *testing.T) {
	// RFC 7636 Appendix B test vector
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	expected := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	challenge, err := ComputeCodeChallenge(verifier, CodeChallengeMethodS256)
	if err != nil {
		t.Fatalf("ComputeCodeChallenge() error: %v", err)
	}
	if challenge != expected {
		t.Errorf("Expected challenge %s, got %s", expected, challenge)
	}
}

func TestComputeCodeChallengeMatchesManualDigest(t *testing.T) {
	verifier := "test-verifier-12345"

	challenge, err := ComputeCodeChallenge(verifier, CodeChallengeMethodS256)
	if err != nil {
		t.Fatalf("ComputeCodeChallenge() error: %v", err)
	}

	h := sha256.Sum256([]byte(verifier))
	expected := base64.RawURLEncoding.EncodeToString(h[:])
	if challenge != expected {
		t.Errorf("Challenge doesn't match manual computation: got %s, expected %s", challenge, expected)
	}
	if strings.ContainsAny(challenge, "=+/") {
		t.Error("Challenge should use unpadded URL-safe base64 encoding")
	}
}

func TestComputeCodeChallengePlain(t *testing.T) {
	challenge, err := ComputeCodeChallenge("plain-verifier", CodeChallengeMethodPlain)
	if err != nil {
		t.Fatalf("ComputeCodeChallenge() error: %v", err)
	}
	if challenge != "plain-verifier" {
		t.Errorf("Expected plain challenge to equal verifier, got %s", challenge)
	}

	if _, err := ComputeCodeChallenge("v", "S512"); !apperrors.IsKind(err, apperrors.KindInvalidRequest) {
		t.Errorf("Expected invalid request error for unknown method, got %v", err)
	}
}

func TestGenerateState(t *testing.T) {
	s1, err := GenerateState()
	if err != nil {
		t.Fatalf("GenerateState() error: %v", err)
	}
	s2, _ := GenerateState()

	if s1 == "" || s1 == s2 {
		t.Errorf("Expected distinct non-empty states, got %q and %q", s1, s2)
	}
	if len(s1) != 43 {
		t.Errorf("Expected 43 characters for 32 random bytes, got %d", len(s1))
	}
	if !isUnreservedString(s1) {
		t.Errorf("Expected state to be URL safe, got %s", s1)
	}
}

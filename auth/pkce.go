package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

const (
	// CodeChallengeMethodS256 is the SHA-256 PKCE transform.
	CodeChallengeMethodS256 = "S256"
	// CodeChallengeMethodPlain sends the verifier as the challenge. Discouraged.
	CodeChallengeMethodPlain = "plain"

	// MinCodeVerifierLength and MaxCodeVerifierLength bound the verifier per RFC 7636 Section 4.1.
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128

	// DefaultCodeVerifierLength is used when no length is configured.
	DefaultCodeVerifierLength = 64

	// codeVerifierCharset is the set of unreserved characters allowed in the code verifier
	// per RFC 7636 Section 4.1: [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	codeVerifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

	// stateSizeBytes is the entropy of generated state and nonce values.
	stateSizeBytes = 32
)

// GenerateCodeVerifier generates a cryptographically random code verifier
// of the given length per RFC 7636 Section 4.1.
func GenerateCodeVerifier(length int) (string, error) {
	if length < MinCodeVerifierLength || length > MaxCodeVerifierLength {
		return "", apperrors.New(apperrors.KindInvalidRequest,
			fmt.Sprintf("code verifier length must be between %d and %d, got %d",
				MinCodeVerifierLength, MaxCodeVerifierLength, length))
	}

	// Reject bytes at or above the largest multiple of the charset size so
	// every character is equally likely.
	const limit = 256 - 256%len(codeVerifierCharset)
	out := make([]byte, 0, length)
	buf := make([]byte, length)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, codeVerifierCharset[int(b)%len(codeVerifierCharset)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}

// ComputeCodeChallenge derives the code challenge for verifier using method
// per RFC 7636 Section 4.2.
func ComputeCodeChallenge(verifier, method string) (string, error) {
	switch method {
	case CodeChallengeMethodS256:
		return oauth2.S256ChallengeFromVerifier(verifier), nil
	case CodeChallengeMethodPlain:
		return verifier, nil
	default:
		return "", apperrors.New(apperrors.KindInvalidRequest,
			fmt.Sprintf("unsupported code challenge method %q", method))
	}
}

// GenerateState returns a random opaque value suitable for state and nonce.
func GenerateState() (string, error) {
	b := make([]byte, stateSizeBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// isUnreservedString reports whether s only uses the verifier charset.
func isUnreservedString(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}

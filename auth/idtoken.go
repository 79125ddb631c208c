package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/naotama2002/nativeauth-go/internal/errors"
)

// idTokenMaxIssuedAtSkew bounds how far iat may be from the local clock.
const idTokenMaxIssuedAtSkew = 10 * time.Minute

// IDTokenClaims are the claims of an ID token read without signature
// verification.
type IDTokenClaims struct {
	Issuer        string
	Subject       string
	Audience      []string
	ExpiresAt     time.Time
	IssuedAt      time.Time
	Nonce         string
	Email         string
	EmailVerified *bool
	Raw           jwt.MapClaims
}

// ParseIDToken decodes the claims of raw without checking the signature.
func ParseIDToken(raw string) (*IDTokenClaims, error) {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.KindIDTokenInvalid, "ID token could not be parsed")
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apperrors.New(apperrors.KindIDTokenInvalid, "ID token claims are not an object")
	}

	claims := &IDTokenClaims{Raw: mc}
	claims.Issuer, _ = mc.GetIssuer()
	claims.Subject, _ = mc.GetSubject()
	if aud, err := mc.GetAudience(); err == nil {
		claims.Audience = aud
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	claims.Nonce, _ = mc["nonce"].(string)
	claims.Email, _ = mc["email"].(string)
	switch v := mc["email_verified"].(type) {
	case bool:
		claims.EmailVerified = &v
	case string:
		// some providers send "true"/"false"
		if b, err := strconv.ParseBool(v); err == nil {
			claims.EmailVerified = &b
		}
	}
	return claims, nil
}

// validateIDToken checks the claims of an ID token returned by a code
// exchange (OpenID Connect Core 3.1.3.7).
func (s *Service) validateIDToken(ctx context.Context, raw string, cfg *ServiceConfiguration, clientID, nonce string) error {
	claims, err := ParseIDToken(raw)
	if err != nil {
		return err
	}
	now := s.clock()

	if cfg.Issuer != "" && claims.Issuer != cfg.Issuer {
		return idTokenError("issuer %q does not match %q", claims.Issuer, cfg.Issuer)
	}
	if !containsString(claims.Audience, clientID) {
		return idTokenError("audience does not contain client %q", clientID)
	}
	if claims.ExpiresAt.IsZero() || !now.Before(claims.ExpiresAt) {
		return idTokenError("ID token is expired")
	}
	if claims.IssuedAt.IsZero() {
		return idTokenError("ID token has no iat claim")
	}
	if skew := now.Sub(claims.IssuedAt); skew > idTokenMaxIssuedAtSkew || skew < -idTokenMaxIssuedAtSkew {
		return idTokenError("ID token iat is too far from the current time")
	}
	if nonce != "" && claims.Nonce != nonce {
		return idTokenError("nonce does not match the request")
	}

	if s.verifySignatures {
		return s.verifyIDTokenSignature(ctx, raw, cfg, clientID)
	}
	return nil
}

// verifyIDTokenSignature checks the signature against the provider's JWKS.
func (s *Service) verifyIDTokenSignature(ctx context.Context, raw string, cfg *ServiceConfiguration, clientID string) error {
	if cfg.Discovery == nil || cfg.Discovery.JWKSURI == "" {
		return apperrors.New(apperrors.KindNotConfigured, "signature verification requires a jwks_uri")
	}

	verifier := oidc.NewVerifier(cfg.Issuer, s.keySet(cfg.Discovery.JWKSURI), &oidc.Config{
		ClientID:        clientID,
		Now:             s.clock,
		SkipIssuerCheck: cfg.Issuer == "",
	})
	if _, err := verifier.Verify(oidc.ClientContext(ctx, s.rawHTTP), raw); err != nil {
		return apperrors.Wrap(err, apperrors.KindIDTokenInvalid, "ID token signature verification failed")
	}
	return nil
}

// keySet returns the cached remote key set for jwksURI.
func (s *Service) keySet(jwksURI string) oidc.KeySet {
	if ks, ok := s.keySets.Load(jwksURI); ok {
		return ks.(oidc.KeySet)
	}
	ks := oidc.NewRemoteKeySet(oidc.ClientContext(context.Background(), s.rawHTTP), jwksURI)
	actual, _ := s.keySets.LoadOrStore(jwksURI, ks)
	return actual.(oidc.KeySet)
}

func idTokenError(format string, args ...interface{}) error {
	return apperrors.New(apperrors.KindIDTokenInvalid, fmt.Sprintf(format, args...))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package identity

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Scopes granted to ledger clients.
const (
	ScopeWrite    = "ledger:write"
	ScopeSnapshot = "ledger:snapshot"
)

// LedgerClaims are the JWT claims for a ledger bearer token.
type LedgerClaims struct {
	jwt.RegisteredClaims
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

// TokenIssuer issues and verifies bearer tokens signed with RS256.
// It reuses the ledger key so that token signatures can be verified
// using the same JWKS endpoint that serves the snapshot public key.
type TokenIssuer struct {
	key    *rsa.PrivateKey
	pub    *rsa.PublicKey
	kid    string
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer.
//
//	issuerURL: the "iss" claim value, usually the ledger base URL.
//	ttl:       token lifetime (default 1 hour).
func NewTokenIssuer(keys *KeyProvider, issuerURL string, ttl time.Duration) (*TokenIssuer, error) {
	if keys == nil || keys.Key() == nil {
		return nil, ErrNoSigningKey
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{
		key:    keys.Key(),
		pub:    keys.PublicKey(),
		kid:    keys.KeyID(),
		issuer: issuerURL,
		ttl:    ttl,
	}, nil
}

// Issue creates a signed token for clientID with the requested scopes.
func (t *TokenIssuer) Issue(clientID string, scopes []string) (string, error) {
	now := time.Now().UTC()
	claims := LedgerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		ClientID: clientID,
		Scopes:   scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = t.kid
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims on success.
func (t *TokenIssuer) Verify(tokenStr string) (*LedgerClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&LedgerClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(*LedgerClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// HasScope checks whether the claims contain the requested scope.
func HasScope(claims *LedgerClaims, scope string) bool {
	if claims == nil {
		return false
	}
	for _, s := range claims.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

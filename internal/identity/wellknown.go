package identity

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"net/http"

	"github.com/gin-gonic/gin"
)

// DiscoveryConfig is the discovery document served at
// /.well-known/openid-configuration.
type DiscoveryConfig struct {
	Issuer                           string   `json:"issuer"`
	JWKSURI                          string   `json:"jwks_uri"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
}

// JWKSet is a JSON Web Key Set (RFC 7517).
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWK is a JSON Web Key for an RSA public key.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// WellKnown exposes the discovery and JWKS endpoints so that third parties
// can verify bearer tokens and snapshot signatures offline.
type WellKnown struct {
	issuerURL string
	keys      *KeyProvider
}

// NewWellKnown creates a WellKnown provider.
func NewWellKnown(issuerURL string, keys *KeyProvider) *WellKnown {
	return &WellKnown{issuerURL: issuerURL, keys: keys}
}

// Register attaches the discovery and JWKS routes to the engine.
func (w *WellKnown) Register(engine *gin.Engine) {
	engine.GET("/.well-known/openid-configuration", w.discoveryHandler)
	engine.GET("/.well-known/jwks.json", w.jwksHandler)
}

func (w *WellKnown) discoveryHandler(c *gin.Context) {
	c.JSON(http.StatusOK, DiscoveryConfig{
		Issuer:                           w.issuerURL,
		JWKSURI:                          w.issuerURL + "/.well-known/jwks.json",
		TokenEndpoint:                    w.issuerURL + "/api/v1/token",
		ResponseTypesSupported:           []string{"token"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		GrantTypesSupported:              []string{"client_credentials"},
	})
}

func (w *WellKnown) jwksHandler(c *gin.Context) {
	pub := w.keys.PublicKey()
	if pub == nil {
		c.JSON(http.StatusOK, JWKSet{Keys: []JWK{}})
		return
	}
	c.JSON(http.StatusOK, JWKSet{Keys: []JWK{RSAPublicKeyToJWK(pub, w.keys.KeyID())}})
}

// RSAPublicKeyToJWK encodes an RSA public key as a JWK (RFC 7518 §6.3).
func RSAPublicKeyToJWK(pub *rsa.PublicKey, kid string) JWK {
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())

	// Exponent as big-endian, minimal-length byte slice.
	eBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(eBuf, uint64(pub.E))
	i := 0
	for i < len(eBuf)-1 && eBuf[i] == 0 {
		i++
	}
	e := base64.RawURLEncoding.EncodeToString(eBuf[i:])

	return JWK{Kty: "RSA", Use: "sig", Kid: kid, Alg: "RS256", N: n, E: e}
}

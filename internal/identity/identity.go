// Package identity implements the ledger's key and credential layer.
//
// It provides:
//   - KeyProvider creates/loads the ledger RSA key on disk
//   - SnapshotSigner RSA-PKCS1v1.5/SHA-256 signatures over Merkle roots
//   - TokenIssuer issues and verifies RS256 JWT bearer tokens
//   - Clients bcrypt client-credential checks for token issuance
//   - WellKnown discovery and JWKS HTTP endpoints
//   - RequireToken Gin middleware enforcing Bearer token authentication
//
// The snapshot signer and the token issuer share one key, obtained from the
// KeyProvider.
package identity

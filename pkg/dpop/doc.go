// Package dpop implements DPoP proof generation and verification for
// device-bound sessions (RFC 9449).
//
// A DPoP proof is a short-lived JWT signed by the device's private key.
// The proof carries its own public key in the JOSE header, binds the
// request to an HTTP method and URL, and carries a unique jti for replay
// detection. The server never stores device public keys; the RFC 7638
// thumbprint of the embedded key is the device's stable key identity.
//
// The package provides:
//   - Thumbprint: canonical RFC 7638 JWK thumbprint computation
//   - Verifier: server-side proof validation
//   - Generator: client-side proof construction (agents, CLI, tests)
package dpop

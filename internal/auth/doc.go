// Package auth provides bearer token handling for the relay.
//
// # Tokens
//
// Peers authenticate in-band: the first RPC on a fresh socket is
// auth {token}. The gateway and the bridge check the token with a
// TokenVerifier; JWTVerifier signs and verifies HS256 tokens whose "sub"
// claim names the peer:
//
//	verifier, err := auth.NewJWTVerifier([]byte(secret))
//	token, err := verifier.Generate("desktop", 24*time.Hour)
//	subject, err := verifier.Verify(token)
//
// # Credentials
//
// The client side treats its token as an opaque secret. CredentialChain asks
// an ordered list of providers and writes the first hit into a TokenCache:
//
//   - StaticProvider: a token handed over once, e.g. by the launching process
//   - EnvProvider: an environment variable, read on each lookup
//   - FileProvider: a token persisted on disk
//
// Push installs a token delivered from elsewhere. Invalidate drops a token
// the far end rejected so the next lookup walks the providers again.
package auth

package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// SignFunc produces an RS256 (PKCS#1 v1.5) signature over a SHA-256 digest.
// The private key never leaves whatever custody backs the function.
type SignFunc func(ctx context.Context, digest []byte) ([]byte, error)

// Provider supplies the current signing capability and the published public keys.
type Provider interface {
	// SigningHandle returns the kid to place in the token header and a function that signs with it.
	SigningHandle(ctx context.Context) (keyID string, sign SignFunc, err error)

	// PublicJWKS returns every key that tokens may currently be verified against.
	PublicJWKS(ctx context.Context) (*JWKS, error)
}

// rsaDigestSigner signs digests with an in-process RSA key.
func rsaDigestSigner(key *rsa.PrivateKey) SignFunc {
	return func(ctx context.Context, digest []byte) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(digest) != sha256.Size {
			return nil, fmt.Errorf("digest must be %d bytes, got %d", sha256.Size, len(digest))
		}
		sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
		if err != nil {
			return nil, fmt.Errorf("failed to sign digest: %w", err)
		}
		return sig, nil
	}
}

package keys

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
)

var _ Provider = (*LocalProvider)(nil)

// LocalProvider is an in-process key ring. One key signs; every key in the ring
// is published so tokens signed by a previous key keep verifying until it is retired.
type LocalProvider struct {
	mu      sync.RWMutex
	current string
	order   []string
	keys    map[string]*KeyPair
}

// NewLocalProvider creates a ring that signs with current and also publishes published.
func NewLocalProvider(current *KeyPair, published ...*KeyPair) (*LocalProvider, error) {
	if current == nil {
		return nil, errors.New("[NewLocalProvider] current key is required")
	}
	p := &LocalProvider{keys: make(map[string]*KeyPair)}
	for _, kp := range append([]*KeyPair{current}, published...) {
		if err := p.AddKey(kp); err != nil {
			return nil, err
		}
	}
	p.current = current.KeyID
	return p, nil
}

// AddKey publishes an additional key without making it the signing key.
func (p *LocalProvider) AddKey(kp *KeyPair) error {
	if kp == nil || kp.KeyID == "" {
		return errors.New("key pair with a key id is required")
	}
	if _, ok := kp.PrivateKey.(*rsa.PrivateKey); !ok {
		return fmt.Errorf("key %s: private key is not RSA", kp.KeyID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.keys[kp.KeyID]; exists {
		return fmt.Errorf("key %s already present", kp.KeyID)
	}
	p.keys[kp.KeyID] = kp
	p.order = append(p.order, kp.KeyID)
	return nil
}

// Promote makes a published key the signing key.
func (p *LocalProvider) Promote(keyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.keys[keyID]; !ok {
		return fmt.Errorf("key %s not found", keyID)
	}
	p.current = keyID
	return nil
}

// Retire stops publishing a key. The signing key cannot be retired.
func (p *LocalProvider) Retire(keyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if keyID == p.current {
		return fmt.Errorf("key %s is the signing key", keyID)
	}
	if _, ok := p.keys[keyID]; !ok {
		return nil
	}
	delete(p.keys, keyID)
	for i, id := range p.order {
		if id == keyID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

func (p *LocalProvider) SigningHandle(ctx context.Context) (string, SignFunc, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	kp := p.keys[p.current]
	return kp.KeyID, rsaDigestSigner(kp.PrivateKey.(*rsa.PrivateKey)), nil
}

func (p *LocalProvider) PublicJWKS(ctx context.Context) (*JWKS, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	jwks := &JWKS{Keys: make([]JWK, 0, len(p.order))}
	for _, id := range p.order {
		jwk, err := p.keys[id].ToJWK()
		if err != nil {
			return nil, fmt.Errorf("failed to convert key %s to JWK: %w", id, err)
		}
		jwks.Keys = append(jwks.Keys, *jwk)
	}
	return jwks, nil
}

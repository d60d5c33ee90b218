package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

var _ Provider = (*KMSProvider)(nil)

// DefaultKMSTimeout bounds each KMS call that arrives without an earlier deadline.
const DefaultKMSTimeout = 5 * time.Second

// KMSAPI is the part of the KMS client the provider needs.
type KMSAPI interface {
	Sign(ctx context.Context, params *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSProvider signs digests with an asymmetric AWS KMS key (RSA_2048 or larger, SIGN_VERIFY).
type KMSProvider struct {
	client  KMSAPI
	keyID   string
	kid     string
	timeout time.Duration

	mu  sync.RWMutex
	jwk *JWK
}

type KMSOption func(*KMSProvider)

// WithCallTimeout bounds every Sign and GetPublicKey call.
func WithCallTimeout(d time.Duration) KMSOption {
	return func(p *KMSProvider) {
		p.timeout = d
	}
}

// WithKID overrides the kid placed in token headers. Defaults to the KMS key id.
func WithKID(kid string) KMSOption {
	return func(p *KMSProvider) {
		p.kid = kid
	}
}

func NewKMSProvider(client KMSAPI, keyID string, options ...KMSOption) (*KMSProvider, error) {
	if client == nil {
		return nil, errors.New("[NewKMSProvider] KMS client is required")
	}
	if keyID == "" {
		return nil, errors.New("[NewKMSProvider] KMS key id is required")
	}
	p := &KMSProvider{client: client, keyID: keyID, kid: keyID, timeout: DefaultKMSTimeout}
	for _, opt := range options {
		opt(p)
	}
	if p.timeout <= 0 {
		return nil, errors.New("[NewKMSProvider] call timeout must be positive")
	}
	return p, nil
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, region string) (*kms.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return kms.NewFromConfig(cfg), nil
}

func (p *KMSProvider) SigningHandle(ctx context.Context) (string, SignFunc, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return p.kid, p.sign, nil
}

func (p *KMSProvider) sign(ctx context.Context, digest []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	out, err := p.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(p.keyID),
		Message:          digest,
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
	})
	if err != nil {
		return nil, fmt.Errorf("kms sign: %w", err)
	}
	return out.Signature, nil
}

// PublicJWKS fetches the public key once and serves it from memory afterwards.
// The fetch runs outside the lock; a failed fetch is not cached.
func (p *KMSProvider) PublicJWKS(ctx context.Context) (*JWKS, error) {
	p.mu.RLock()
	cached := p.jwk
	p.mu.RUnlock()
	if cached != nil {
		return &JWKS{Keys: []JWK{*cached}}, nil
	}

	jwk, err := p.fetchPublicKey(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.jwk == nil {
		p.jwk = jwk
	}
	jwk = p.jwk
	p.mu.Unlock()
	return &JWKS{Keys: []JWK{*jwk}}, nil
}

func (p *KMSProvider) fetchPublicKey(ctx context.Context) (*JWK, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(p.keyID)})
	if err != nil {
		return nil, fmt.Errorf("kms get public key: %w", err)
	}
	pub, err := ParsePublicKeyDER(out.PublicKey)
	if err != nil {
		return nil, err
	}
	return PublicKeyToJWK(p.kid, pub)
}

package config

import "time"

const (
	KeyProviderLocal = "local"
	KeyProviderKMS   = "kms"
)

type TokenConfig interface {
	GetIssuer() string
	GetAudience() string
	GetAccessTokenExpiry() time.Duration
	GetRefreshTokenExpiry() time.Duration
	GetSigningTimeout() time.Duration
	GetKeyProvider() string
	GetSigningKeyID() string
	GetSigningKeyPEM() string
	GetKMSKeyID() string
	GetAWSRegion() string
}

type Tokens struct {
	Issuer          string        `env:"ISSUER,default=http://localhost:8080"`
	Audience        string        `env:"AUDIENCE,default=api"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL,default=15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL,default=168h"`
	SigningTimeout  time.Duration `env:"SIGNING_TIMEOUT,default=5s"`
	KeyProvider     string        `env:"KEY_PROVIDER,default=local"`
	SigningKeyID    string        `env:"SIGNING_KEY_ID,default=primary"`
	SigningKeyPEM   string        `env:"SIGNING_KEY_PEM"`
	KMSKeyID        string        `env:"KMS_KEY_ID"`
	AWSRegion       string        `env:"AWS_REGION"`
}

var _ TokenConfig = Tokens{}

func (t Tokens) GetIssuer() string {
	return t.Issuer
}

func (t Tokens) GetAudience() string {
	return t.Audience
}

func (t Tokens) GetAccessTokenExpiry() time.Duration {
	return t.AccessTokenTTL
}

func (t Tokens) GetRefreshTokenExpiry() time.Duration {
	return t.RefreshTokenTTL
}

func (t Tokens) GetSigningTimeout() time.Duration {
	return t.SigningTimeout
}

func (t Tokens) GetKeyProvider() string {
	return t.KeyProvider
}

func (t Tokens) GetSigningKeyID() string {
	return t.SigningKeyID
}

// GetSigningKeyPEM returns a PKCS#1 or PKCS#8 private key; empty means generate one at start-up.
func (t Tokens) GetSigningKeyPEM() string {
	return t.SigningKeyPEM
}

func (t Tokens) GetKMSKeyID() string {
	return t.KMSKeyID
}

func (t Tokens) GetAWSRegion() string {
	return t.AWSRegion
}

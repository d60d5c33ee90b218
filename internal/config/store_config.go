package config

import "time"

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type StoreConfig interface {
	GetStoreBackend() string
	GetStoreTimeout() time.Duration
	GetRedisAddr() string
	GetRedisPrefix() string
	GetDatabaseDSN() string
}

type Stores struct {
	Backend      string        `env:"STORE,default=memory"`
	StoreTimeout time.Duration `env:"STORE_TIMEOUT,default=3s"`
	RedisAddr    string        `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPrefix  string        `env:"REDIS_PREFIX,default=rt"`
	DatabaseDSN  string        `env:"DATABASE_DSN"`
}

var _ StoreConfig = Stores{}

func (s Stores) GetStoreBackend() string {
	return s.Backend
}

func (s Stores) GetStoreTimeout() time.Duration {
	return s.StoreTimeout
}

func (s Stores) GetRedisAddr() string {
	return s.RedisAddr
}

func (s Stores) GetRedisPrefix() string {
	return s.RedisPrefix
}

func (s Stores) GetDatabaseDSN() string {
	return s.DatabaseDSN
}

type CookieConfig interface {
	GetCookieSecure() bool
	GetCookieDomain() string
}

type Cookies struct {
	Secure bool   `env:"COOKIE_SECURE,default=true"`
	Domain string `env:"COOKIE_DOMAIN"`
}

var _ CookieConfig = Cookies{}

func (c Cookies) GetCookieSecure() bool {
	return c.Secure
}

func (c Cookies) GetCookieDomain() string {
	return c.Domain
}

type IntegrationConfig interface {
	GetNatsURL() string
	GetEventsSubject() string
	GetOTLPEndpoint() string
}

type Integrations struct {
	NatsURL       string `env:"NATS_URL"`
	EventsSubject string `env:"EVENTS_SUBJECT,default=auth.security"`
	OTLPEndpoint  string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var _ IntegrationConfig = Integrations{}

func (i Integrations) GetNatsURL() string {
	return i.NatsURL
}

func (i Integrations) GetEventsSubject() string {
	return i.EventsSubject
}

func (i Integrations) GetOTLPEndpoint() string {
	return i.OTLPEndpoint
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jrsteele09/go-session-auth/auth"
	"github.com/jrsteele09/go-session-auth/events"
	"github.com/jrsteele09/go-session-auth/internal/config"
	"github.com/jrsteele09/go-session-auth/internal/metrics"
	"github.com/jrsteele09/go-session-auth/internal/telemetry"
	"github.com/jrsteele09/go-session-auth/server"
	"github.com/jrsteele09/go-session-auth/token/jwt"
	"github.com/jrsteele09/go-session-auth/token/keys"
	"github.com/jrsteele09/go-session-auth/token/refresh"
	"github.com/jrsteele09/go-session-auth/token/refresh/pgstore"
	"github.com/jrsteele09/go-session-auth/token/refresh/redisstore"
	refreshrepofake "github.com/jrsteele09/go-session-auth/token/refresh/repofake"
	fakeuserrepo "github.com/jrsteele09/go-session-auth/users/repofake"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// application is the fully wired server plus everything that must be released on exit.
type application struct {
	handler http.Handler
	closers []func()
}

func (a *application) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *application) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func build(ctx context.Context, c config.Config, logger zerolog.Logger) (_ *application, err error) {
	app := &application{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	shutdownTracing, err := telemetry.Init(ctx, c.GetAppName(), c.GetOTLPEndpoint())
	if err != nil {
		return nil, err
	}
	app.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	})

	m := metrics.New()

	store, health, err := buildStore(ctx, app, c, logger)
	if err != nil {
		return nil, err
	}

	provider, err := buildProvider(ctx, c, logger)
	if err != nil {
		return nil, err
	}

	publisher, err := buildPublisher(app, c, logger)
	if err != nil {
		return nil, err
	}

	engine, err := refresh.NewEngine(store,
		refresh.WithExpiry(c.GetRefreshTokenExpiry()),
		refresh.WithStoreTimeout(c.GetStoreTimeout()),
		refresh.WithPublisher(publisher),
		refresh.WithMetrics(m),
		refresh.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	issuer, err := jwt.NewIssuer(provider, c.GetIssuer(), c.GetAudience(),
		jwt.WithExpiry(c.GetAccessTokenExpiry()),
		jwt.WithSigningTimeout(c.GetSigningTimeout()),
	)
	if err != nil {
		return nil, err
	}

	userRepo := fakeuserrepo.NewFakeUserRepo()
	sessions, err := auth.NewSessionService(userRepo, engine, issuer, provider,
		auth.WithUserTimeout(c.GetStoreTimeout()),
		auth.WithMetrics(m),
		auth.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	srv, err := server.New(ctx, c, server.Deps{
		Users:    userRepo,
		Sessions: sessions,
		Verifier: jwt.NewVerifier(jwt.NewProviderKeySet(provider), c.GetIssuer(), c.GetAudience()),
		Metrics:  m,
		Health:   health,
	}, server.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	app.handler = srv
	return app, nil
}

func buildStore(ctx context.Context, app *application, c config.Config, logger zerolog.Logger) (refresh.Store, []server.HealthCheck, error) {
	switch c.GetStoreBackend() {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: c.GetRedisAddr()})
		app.onClose(func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping %s: %w", c.GetRedisAddr(), err)
		}
		logger.Info().Str("addr", c.GetRedisAddr()).Msg("using redis refresh token store")
		health := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		store := redisstore.New(client, c.GetRedisPrefix(), redisstore.WithFamilyTTL(c.GetRefreshTokenExpiry()))
		return store, []server.HealthCheck{health}, nil

	case config.StorePostgres:
		db, err := pgstore.Open(ctx, c.GetDatabaseDSN())
		if err != nil {
			return nil, nil, err
		}
		app.onClose(func() { _ = db.Close() })
		if err := pgstore.Migrate(ctx, db); err != nil {
			return nil, nil, err
		}
		logger.Info().Msg("using postgres refresh token store")
		return pgstore.New(db), []server.HealthCheck{db.PingContext}, nil

	case config.StoreMemory:
		logger.Warn().Msg("using in-memory refresh token store, sessions are lost on restart")
		return refreshrepofake.NewFakeRefreshStore(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", c.GetStoreBackend())
}

func buildProvider(ctx context.Context, c config.Config, logger zerolog.Logger) (keys.Provider, error) {
	switch c.GetKeyProvider() {
	case config.KeyProviderKMS:
		client, err := keys.NewKMSClient(ctx, c.GetAWSRegion())
		if err != nil {
			return nil, err
		}
		return keys.NewKMSProvider(client, c.GetKMSKeyID(),
			keys.WithKID(c.GetSigningKeyID()),
			keys.WithCallTimeout(c.GetSigningTimeout()),
		)

	case config.KeyProviderLocal:
		var (
			kp  *keys.KeyPair
			err error
		)
		if pem := c.GetSigningKeyPEM(); pem != "" {
			kp, err = keys.LoadKeyPairFromPEM(c.GetSigningKeyID(), pem)
		} else {
			logger.Warn().Msg("SIGNING_KEY_PEM not set, generating an ephemeral signing key")
			kp, err = keys.GenerateRSAKeyPair(c.GetSigningKeyID(), 2048)
		}
		if err != nil {
			return nil, err
		}
		return keys.NewLocalProvider(kp)
	}
	return nil, errors.New("unknown key provider " + c.GetKeyProvider())
}

func buildPublisher(app *application, c config.Config, logger zerolog.Logger) (events.Publisher, error) {
	if c.GetNatsURL() == "" {
		return events.NopPublisher{}, nil
	}
	publisher, err := events.NewNATSPublisher(c.GetNatsURL(), c.GetEventsSubject(), nats.Name(c.GetAppName()))
	if err != nil {
		return nil, err
	}
	app.onClose(publisher.Close)
	logger.Info().Str("subject", c.GetEventsSubject()).Msg("publishing security events to nats")
	return publisher, nil
}

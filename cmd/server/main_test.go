package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jrsteele09/go-session-auth/internal/config"
	"github.com/jrsteele09/go-session-auth/token/keys"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/require"
)

func TestGenKeyCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"genkey", "--kid", "k1", "--public"})
	require.NoError(t, cmd.Execute())

	text := out.String()
	require.Contains(t, text, "BEGIN PRIVATE KEY")
	require.Contains(t, text, "BEGIN PUBLIC KEY")

	end := strings.Index(text, "-----END PRIVATE KEY-----")
	require.Positive(t, end)
	kp, err := keys.LoadKeyPairFromPEM("k1", text[:end+len("-----END PRIVATE KEY-----")])
	require.NoError(t, err)
	require.Equal(t, "k1", kp.KeyID)
}

func loadConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	c, err := config.LoadWith(context.Background(), envconfig.MapLookuper(env))
	require.NoError(t, err)
	return c
}

func TestBuildMemoryStore(t *testing.T) {
	c := loadConfig(t, map[string]string{
		"ENV":            "TEST",
		"ADMIN_EMAIL":    "admin@example.com",
		"ADMIN_PASSWORD": "Secret123",
	})

	app, err := build(context.Background(), c, zerolog.Nop())
	require.NoError(t, err)
	defer app.Close()

	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	c := loadConfig(t, map[string]string{
		"ENV":        "TEST",
		"STORE":      config.StoreRedis,
		"REDIS_ADDR": mr.Addr(),
	})

	app, err := build(context.Background(), c, zerolog.Nop())
	require.NoError(t, err)
	defer app.Close()

	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	c := loadConfig(t, map[string]string{
		"ENV":        "TEST",
		"STORE":      config.StoreRedis,
		"REDIS_ADDR": addr,
	})
	_, err := build(context.Background(), c, zerolog.Nop())
	require.ErrorContains(t, err, "redis ping")
}

func TestBuildProviderFromPEM(t *testing.T) {
	kp, err := keys.GenerateRSAKeyPair("from-pem", 2048)
	require.NoError(t, err)
	pem, err := kp.ExportPrivateKeyPEM()
	require.NoError(t, err)

	c := loadConfig(t, map[string]string{
		"SIGNING_KEY_ID":  "from-pem",
		"SIGNING_KEY_PEM": pem,
	})
	provider, err := buildProvider(context.Background(), c, zerolog.Nop())
	require.NoError(t, err)

	jwks, err := provider.PublicJWKS(context.Background())
	require.NoError(t, err)
	_, ok := jwks.Find("from-pem")
	require.True(t, ok)
}

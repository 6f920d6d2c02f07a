package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/polychat/internal/ai"
	"github.com/suPer8Hu/polychat/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		DBDriver:    "sqlite",
		DBDSN:       "file:" + t.Name() + "?mode=memory&cache=shared",
		StreamCache: "memory",
		OllamaModel: "llama3:latest",
	}
}

func TestNewRegistry_AllProviders(t *testing.T) {
	cfg := testConfig(t)
	cfg.OpenAIAPIKey = "sk-env"
	reg := NewRegistry(cfg, nil)

	assert.ElementsMatch(t,
		[]string{"anthropic", "deepseek", "google", "ollama", "openai", "openrouter"},
		reg.Providers())

	cred, err := reg.ResolveCredential(context.Background(), 1, "openai")
	require.NoError(t, err)
	assert.Equal(t, ai.CredentialFallback, cred.Source)

	_, err = reg.ResolveCredential(context.Background(), 1, "anthropic")
	assert.ErrorIs(t, err, ai.ErrMissingCredential)

	p, err := reg.Get(context.Background(), 1, "ollama")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.Name())
}

func TestNewCipher(t *testing.T) {
	m, err := NewCipher(config.Config{})
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = NewCipher(config.Config{CredentialKeyB64: "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="})
	require.NoError(t, err)
	require.NotNil(t, m)

	_, err = NewCipher(config.Config{CredentialKeyB64: "c2hvcnQ="})
	assert.Error(t, err)
}

func TestNew_SQLiteMemoryCache(t *testing.T) {
	app, err := New(context.Background(), testConfig(t), zerolog.Nop())
	require.NoError(t, err)
	defer app.Close()

	assert.Nil(t, app.Redis)
	assert.True(t, app.Service.HasProvider("google"))

	models, err := app.Service.ListModels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, models)
}

func TestNew_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.StreamCache = "redis"
	cfg.RedisAddr = mr.Addr()

	app, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer app.Close()
	assert.NotNil(t, app.Redis)
}

func TestNew_UnknownCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.StreamCache = "memcached"
	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, ProviderArk, cfg.AI.Provider)
	assert.Equal(t, 12, cfg.Chat.HistoryLimit)
	assert.Equal(t, 5, cfg.Chat.IssueLimit)
	assert.Equal(t, 3*time.Hour, cfg.Auth.TokenTTL)
	assert.Nil(t, cfg.AI.Temperature)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "secret")

	t.Setenv("PORT", "80 80")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("PORT", "127.0.0.1:8000")
	t.Setenv("AI_TEMPERATURE", "warm")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("AI_TEMPERATURE", "0.7")
	t.Setenv("STORE_DRIVER", "mongo")
	_, err = Load()
	assert.Error(t, err)
}

func TestProviderEnabled(t *testing.T) {
	assert.False(t, AIConfig{Provider: ProviderArk, APIKey: "k"}.Enabled())
	assert.True(t, AIConfig{Provider: ProviderArk, APIKey: "k", Model: "m"}.Enabled())
	assert.True(t, AIConfig{Provider: ProviderGemini, GeminiAPIKey: "k"}.Enabled())
	assert.False(t, AIConfig{Provider: ProviderOpenAI}.Enabled())

	_, err := AIConfig{Provider: ProviderOpenAI}.NewChatModel(context.Background())
	assert.Error(t, err)
}

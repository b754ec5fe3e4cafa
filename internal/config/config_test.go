package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for key := range defaults {
		t.Setenv(key, "")
	}

	cfg := LoadConfig(NewViper())

	require.Equal(t, "", cfg.GeminiAPIKey)
	require.Equal(t, "gemini-3-flash-preview", cfg.GeminiModel)
	require.Equal(t, cfg.GeminiModel, cfg.GeminiTitleModel)
	require.Equal(t, StoreBackendSQLite, cfg.StoreBackend)
	require.Equal(t, "8080", cfg.HTTPPort)
	require.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.AllowedOrigins)
	require.Equal(t, *cfg, AppConfig)
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "  secret  ")
	t.Setenv("GEMINI_MODEL", "gemini-2.0-flash")
	t.Setenv("GEMINI_TITLE_MODEL", "gemini-2.0-flash-lite")
	t.Setenv("STORE_BACKEND", "FILE")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("ALLOWED_ORIGINS", " https://samy.example , ,http://localhost:3000")

	cfg := LoadConfig(NewViper())

	require.Equal(t, "secret", cfg.GeminiAPIKey)
	require.Equal(t, "gemini-2.0-flash", cfg.GeminiModel)
	require.Equal(t, "gemini-2.0-flash-lite", cfg.GeminiTitleModel)
	require.Equal(t, StoreBackendFile, cfg.StoreBackend)
	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, []string{"https://samy.example", "http://localhost:3000"}, cfg.AllowedOrigins)
}

package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	StoreBackendSQLite = "sqlite"
	StoreBackendFile   = "file"
)

type Config struct {
	GeminiAPIKey     string
	GeminiModel      string
	GeminiTitleModel string
	StoreBackend     string
	DatabaseURL      string
	DataDir          string
	HTTPPort         string
	LogLevel         string
	LogFormat        string
	AllowedOrigins   []string
}

var AppConfig Config

var defaults = map[string]string{
	"GEMINI_API_KEY":     "",
	"GEMINI_MODEL":       "gemini-3-flash-preview",
	"GEMINI_TITLE_MODEL": "",
	"STORE_BACKEND":      StoreBackendSQLite,
	"DATABASE_URL":       "dr_samy.db",
	"DATA_DIR":           "data",
	"HTTP_PORT":          "8080",
	"LOG_LEVEL":          "info",
	"LOG_FORMAT":         "json",
	"ALLOWED_ORIGINS":    "http://localhost:5173,http://localhost:8080",
}

// NewViper returns a viper instance with every known key defaulted and bound
// to the environment. Command line flags are bound on top by the caller.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	return v
}

// LoadConfig reads .env (if any) and fills AppConfig from v.
func LoadConfig(v *viper.Viper) *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, relying on environment variables")
	}
	if v == nil {
		v = NewViper()
	}

	AppConfig = Config{
		GeminiAPIKey:     strings.TrimSpace(v.GetString("GEMINI_API_KEY")),
		GeminiModel:      v.GetString("GEMINI_MODEL"),
		GeminiTitleModel: v.GetString("GEMINI_TITLE_MODEL"),
		StoreBackend:     strings.ToLower(v.GetString("STORE_BACKEND")),
		DatabaseURL:      v.GetString("DATABASE_URL"),
		DataDir:          v.GetString("DATA_DIR"),
		HTTPPort:         v.GetString("HTTP_PORT"),
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat:        strings.ToLower(v.GetString("LOG_FORMAT")),
		AllowedOrigins:   parseOrigins(v.GetString("ALLOWED_ORIGINS")),
	}
	if AppConfig.GeminiTitleModel == "" {
		AppConfig.GeminiTitleModel = AppConfig.GeminiModel
	}

	return &AppConfig
}

func parseOrigins(s string) []string {
	parts := strings.Split(s, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

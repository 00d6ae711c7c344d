package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Identity  IdentityConfig
	R2        R2Config
	Provider  ProviderConfig
	Rag       RagConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	Path string
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

// IdentityConfig points at the OIDC issuer whose JWKS verifies user tokens.
type IdentityConfig struct {
	Issuer   string
	ClientID string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// ProviderConfig describes the AI model provider used for EXECUTE jobs.
type ProviderConfig struct {
	APIKey          string
	BaseURL         string
	Model           string
	ContextWindow   int // tokens
	ResponseReserve int // tokens held back for the model's reply
	MaxOutputTokens int
	Encoding        string // tiktoken encoding name
}

// TokenBudget is the input budget for one request: the context window minus
// the tokens reserved for the response.
func (p ProviderConfig) TokenBudget() int {
	return p.ContextWindow - p.ResponseReserve
}

// RagConfig points at the context/summarization sidecar service.
type RagConfig struct {
	ServiceURL string
	Timeout    int // seconds
}

type RateLimitConfig struct {
	StartPerHour int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("PROVIDER_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("JWT_SECRET")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("database.path", "DATABASE_PATH")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("identity.issuer", "IDENTITY_ISSUER")
	_ = viper.BindEnv("identity.client_id", "IDENTITY_CLIENT_ID")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("provider.api_key", "PROVIDER_API_KEY")
	_ = viper.BindEnv("provider.base_url", "PROVIDER_BASE_URL")
	_ = viper.BindEnv("provider.model", "PROVIDER_MODEL")
	_ = viper.BindEnv("provider.context_window", "PROVIDER_CONTEXT_WINDOW")
	_ = viper.BindEnv("provider.response_reserve", "PROVIDER_RESPONSE_RESERVE")
	_ = viper.BindEnv("provider.max_output_tokens", "PROVIDER_MAX_OUTPUT_TOKENS")
	_ = viper.BindEnv("provider.encoding", "PROVIDER_ENCODING")
	_ = viper.BindEnv("rag.service_url", "RAG_SERVICE_URL")
	_ = viper.BindEnv("rag.timeout", "RAG_TIMEOUT")
	_ = viper.BindEnv("ratelimit.start_per_hour", "RATELIMIT_START_PER_HOUR")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("database.path", "./data/engine.db")
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("provider.base_url", "https://api.openai.com/v1")
	viper.SetDefault("provider.model", "gpt-4o")
	viper.SetDefault("provider.context_window", 128000)
	viper.SetDefault("provider.response_reserve", 4096)
	viper.SetDefault("provider.max_output_tokens", 4096)
	viper.SetDefault("provider.encoding", "cl100k_base")
	viper.SetDefault("rag.service_url", "http://localhost:8086")
	viper.SetDefault("rag.timeout", 120)
	viper.SetDefault("ratelimit.start_per_hour", 20)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		Identity: IdentityConfig{
			Issuer:   viper.GetString("identity.issuer"),
			ClientID: viper.GetString("identity.client_id"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Provider: ProviderConfig{
			APIKey:          viper.GetString("provider.api_key"),
			BaseURL:         viper.GetString("provider.base_url"),
			Model:           viper.GetString("provider.model"),
			ContextWindow:   viper.GetInt("provider.context_window"),
			ResponseReserve: viper.GetInt("provider.response_reserve"),
			MaxOutputTokens: viper.GetInt("provider.max_output_tokens"),
			Encoding:        viper.GetString("provider.encoding"),
		},
		Rag: RagConfig{
			ServiceURL: viper.GetString("rag.service_url"),
			Timeout:    viper.GetInt("rag.timeout"),
		},
		RateLimit: RateLimitConfig{
			StartPerHour: viper.GetInt("ratelimit.start_per_hour"),
		},
	}

	return cfg, nil
}

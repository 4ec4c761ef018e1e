package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "TALLY"
	defaultHTTPAddress       = "0.0.0.0:5000"
	defaultAllowedOrigins    = "http://localhost:5173"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabasePath      = "tally.db"
	defaultTokenTTLMinutes   = 24 * 60
	defaultBcryptCost        = 10
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultGeminiModel       = "gemini-2.5-flash"
	defaultGeminiEndpoint    = "https://generativelanguage.googleapis.com/"
	defaultUploadMaxBytes    = 10 << 20
	defaultRealtimeBuffer    = 64
	defaultRedisPrefix       = "tally:"
	defaultRequireMembership = false
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	SigningSecret string
	TokenTTL      time.Duration
	BcryptCost    int

	LogLevel    string
	LogEncoding string

	GeminiAPIKey   string
	GeminiModel    string
	GeminiEndpoint string

	UploadMaxBytes int64

	RealtimeBufferSize        int
	RealtimeRequireMembership bool

	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.bcrypt_cost", defaultBcryptCost)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("gemini.model", defaultGeminiModel)
	configViper.SetDefault("gemini.endpoint", defaultGeminiEndpoint)
	configViper.SetDefault("upload.max_bytes", defaultUploadMaxBytes)
	configViper.SetDefault("realtime.buffer_size", defaultRealtimeBuffer)
	configViper.SetDefault("realtime.require_membership", defaultRequireMembership)
	configViper.SetDefault("redis.prefix", defaultRedisPrefix)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString("http.address")),
		AllowedOrigins: splitList(configViper.GetString("http.allowed_origins")),

		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   strings.TrimSpace(configViper.GetString("database.path")),
		DatabaseDSN:    strings.TrimSpace(configViper.GetString("database.dsn")),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		BcryptCost:    configViper.GetInt("auth.bcrypt_cost"),

		LogLevel:    configViper.GetString("log.level"),
		LogEncoding: configViper.GetString("log.encoding"),

		GeminiAPIKey:   strings.TrimSpace(configViper.GetString("gemini.api_key")),
		GeminiModel:    strings.TrimSpace(configViper.GetString("gemini.model")),
		GeminiEndpoint: strings.TrimSpace(configViper.GetString("gemini.endpoint")),

		UploadMaxBytes: configViper.GetInt64("upload.max_bytes"),

		RealtimeBufferSize:        configViper.GetInt("realtime.buffer_size"),
		RealtimeRequireMembership: configViper.GetBool("realtime.require_membership"),

		RedisAddress:  strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword: configViper.GetString("redis.password"),
		RedisDB:       configViper.GetInt("redis.db"),
		RedisPrefix:   configViper.GetString("redis.prefix"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RelayEnabled reports whether cross-instance fan-out is configured.
func (c AppConfig) RelayEnabled() bool {
	return c.RedisAddress != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if c.DatabasePath == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.UploadMaxBytes <= 0 {
		return fmt.Errorf("upload.max_bytes must be positive")
	}
	if c.RealtimeBufferSize <= 0 {
		return fmt.Errorf("realtime.buffer_size must be positive")
	}
	return nil
}

func splitList(value string) []string {
	parts := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' '
	})
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Audience modes for the request object `aud` claim.
const (
	AudienceIssuer      = "issuer"
	AudienceRedirectURI = "redirect_uri"
)

// Store drivers.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string

	StoreDriver   string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SoftwareStatementID         string
	RedirectURL                 string
	AudienceMode                string
	SigningKeyPEM               []byte
	SigningKeyID                string
	AllowUnsignedRequestObjects bool
	OpenBankingAPIVersion       string

	ValidateResponses    bool
	AccountsSchemaPath   string
	PaymentsSchemaPath   string
	LogUpstreamResponses bool

	AuditStream     string
	AuditBufferSize int

	DirectoryFile string

	MTLSEnabled       bool
	TransportCertPEM  []byte
	TransportKeyPEM   []byte
	IssuingCAPEM      []byte
	HTTPClientTimeout time.Duration

	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	redirectURL := strings.TrimSpace(os.Getenv("SOFTWARE_STATEMENT_REDIRECT_URL"))
	if redirectURL == "" {
		return Config{}, fmt.Errorf("SOFTWARE_STATEMENT_REDIRECT_URL is required")
	}
	softwareStatementID := strings.TrimSpace(os.Getenv("SOFTWARE_STATEMENT_ID"))
	if softwareStatementID == "" {
		return Config{}, fmt.Errorf("SOFTWARE_STATEMENT_ID is required")
	}

	signingKey, err := getBase64("SIGNING_KEY")
	if err != nil {
		return Config{}, err
	}
	transportCert, err := getBase64("TRANSPORT_CERT")
	if err != nil {
		return Config{}, err
	}
	transportKey, err := getBase64("TRANSPORT_KEY")
	if err != nil {
		return Config{}, err
	}
	issuingCA, err := getBase64("OB_ISSUING_CA")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment:                 getEnv("APP_ENV", "development"),
		HTTPPort:                    getEnv("HTTP_PORT", "8003"),
		ServiceName:                 getEnv("SERVICE_NAME", "tpp-broker"),
		StoreDriver:                 strings.ToLower(getEnv("STORE_DRIVER", StoreRedis)),
		DatabaseURL:                 os.Getenv("DATABASE_URL"),
		RedisAddr:                   getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:               os.Getenv("REDIS_PASSWORD"),
		RedisDB:                     getInt("REDIS_DB", 0),
		SoftwareStatementID:         softwareStatementID,
		RedirectURL:                 redirectURL,
		AudienceMode:                strings.ToLower(getEnv("REQUEST_OBJECT_AUDIENCE", AudienceIssuer)),
		SigningKeyPEM:               signingKey,
		SigningKeyID:                os.Getenv("SIGNING_KID"),
		AllowUnsignedRequestObjects: getBool("ALLOW_UNSIGNED_REQUEST_OBJECTS", false),
		OpenBankingAPIVersion:       getEnv("OPEN_BANKING_API_VERSION", "v1.1"),
		ValidateResponses:           getBool("VALIDATE_RESPONSE", false),
		AccountsSchemaPath:          os.Getenv("ACCOUNTS_SCHEMA_PATH"),
		PaymentsSchemaPath:          os.Getenv("PAYMENTS_SCHEMA_PATH"),
		LogUpstreamResponses:        getBool("LOG_ASPSP_RESPONSES", false),
		AuditStream:                 getEnv("AUDIT_STREAM", "validation-results"),
		AuditBufferSize:             getInt("AUDIT_BUFFER_SIZE", 256),
		DirectoryFile:               os.Getenv("DIRECTORY_FILE"),
		MTLSEnabled:                 getBool("MTLS_ENABLED", false),
		TransportCertPEM:            transportCert,
		TransportKeyPEM:             transportKey,
		IssuingCAPEM:                issuingCA,
		HTTPClientTimeout:           getDuration("HTTP_CLIENT_TIMEOUT", 30*time.Second),
		RateLimitRPM:                getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:           getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:          getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:          getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:          getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "x-authorization-server-id", "x-fapi-financial-id", "x-fapi-interaction-id", "x-idempotency-key", "x-fapi-customer-last-logged-time", "x-fapi-customer-ip-address"}),
		CORSAllowCredentials:        getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.AudienceMode {
	case AudienceIssuer, AudienceRedirectURI:
	default:
		return fmt.Errorf("REQUEST_OBJECT_AUDIENCE must be %q or %q", AudienceIssuer, AudienceRedirectURI)
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if c.MTLSEnabled && (len(c.TransportCertPEM) == 0 || len(c.TransportKeyPEM) == 0) {
		return fmt.Errorf("TRANSPORT_CERT and TRANSPORT_KEY are required when MTLS_ENABLED")
	}
	if c.AuditBufferSize < 1 {
		return fmt.Errorf("AUDIT_BUFFER_SIZE must be positive")
	}
	return nil
}

func (c Config) validateStore() error {
	switch c.StoreDriver {
	case StoreRedis, StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	return nil
}

// LoadStore reads only the settings operator tooling needs: persistence and
// the software statement id.
func LoadStore() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:         getEnv("APP_ENV", "development"),
		StoreDriver:         strings.ToLower(getEnv("STORE_DRIVER", StoreRedis)),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisAddr:           getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getInt("REDIS_DB", 0),
		SoftwareStatementID: strings.TrimSpace(os.Getenv("SOFTWARE_STATEMENT_ID")),
		HTTPClientTimeout:   getDuration("HTTP_CLIENT_TIMEOUT", 30*time.Second),
	}
	if err := cfg.validateStore(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

// getBase64 decodes an optional base64 encoded PEM blob.
func getBase64(key string) ([]byte, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s must be base64 encoded: %w", key, err)
	}
	return decoded, nil
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}

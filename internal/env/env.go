package env

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	defaultTokenURL         = "https://sandbox-oba-auth.revolut.com/token"
	defaultBankAPIURL       = "https://sandbox-oba.revolut.com"
	defaultAuthorizationURL = "https://sandbox-oba.revolut.com/ui/index.html"
	defaultJwksURI          = "https://keystore.openbankingtest.org.uk/001580000103UAvAAM/001580000103UAvAAM.jwks"

	defaultBankTimeout         = 30 * time.Second
	defaultStateExpiry         = 5 * time.Minute
	defaultHealthCheckInterval = 10 * time.Second
)

type EnvironmentVariables struct {
	Environment string
	LogLevel    string

	HTTPPort          string
	OpsAddr           string
	OpsAllowedOrigins []string
	GrpcAddr          string

	ClientID       string
	RedirectURI    string
	FinancialID    string
	AuthKeyID      string
	SigningKeyID   string
	JwksRootDomain string

	TransportCertPath string
	TransportKeyPath  string
	SigningKeyPath    string
	BankCAPaths       []string
	BankInsecureTLS   bool

	TokenURL         string
	BankAPIURL       string
	AuthorizationURL string
	Audience         string
	JwksURI          string

	BankTimeout         time.Duration
	StateExpiry         time.Duration
	HealthCheckInterval time.Duration

	RedisAddr   string
	DatabaseURL string

	AuditWorkers   int
	AuditQueueSize int
}

var (
	Env *EnvironmentVariables
)

func init() {
	// OS environment wins over .env files: godotenv.Load never overrides.
	for _, file := range []string{".env.local", ".env"} {
		if _, err := os.Stat(file); err == nil {
			if err := godotenv.Load(file); err != nil {
				fmt.Fprintf(os.Stderr, "[ENV] warning: failed to load %s: %v\n", file, err)
			}
		}
	}
}

func Load() {
	vars, err := Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("[ENV] invalid environment")
	}
	Env = vars

	log.Info().
		Str("environment", Env.Environment).
		Str("httpPort", Env.HTTPPort).
		Str("opsAddr", Env.OpsAddr).
		Str("grpcAddr", Env.GrpcAddr).
		Str("tokenURL", Env.TokenURL).
		Str("bankAPI", Env.BankAPIURL).
		Dur("stateExpiry", Env.StateExpiry).
		Dur("bankTimeout", Env.BankTimeout).
		Bool("redis", Env.RedisAddr != "").
		Bool("postgres", Env.DatabaseURL != "").
		Msg("[ENV] Environment variables loaded successfully")
}

// Parse reads the process environment. Every missing required variable is
// reported in the returned error.
func Parse() (*EnvironmentVariables, error) {
	var errs []error
	required := func(key string) string {
		value := os.Getenv(key)
		if value == "" {
			errs = append(errs, fmt.Errorf("required environment variable %s is not set", key))
		}
		return value
	}
	millis := func(key string, fallback time.Duration) time.Duration {
		d, err := getOptionalMillis(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	integer := func(key string, fallback int) int {
		n, err := getOptionalInt(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}

	vars := &EnvironmentVariables{
		Environment: getOptionalEnv("ENVIRONMENT", "development"),
		LogLevel:    getOptionalEnv("LOG_LEVEL", "info"),

		HTTPPort: getOptionalEnv("HTTP_PORT", "8080"),
		OpsAddr:  getOptionalEnv("OPS_ADDR", ":9090"),
		// Host patterns, e.g. "console.example.com" or "*.example.com".
		OpsAllowedOrigins: splitList(os.Getenv("OPS_ALLOWED_ORIGINS")),
		GrpcAddr:          os.Getenv("GRPC_ADDR"),

		ClientID:       required("CLIENT_ID"),
		RedirectURI:    required("REDIRECT_URI"),
		FinancialID:    required("FINANCIAL_ID"),
		AuthKeyID:      required("KID"),
		SigningKeyID:   required("SIGNING_KID"),
		JwksRootDomain: required("JWKS_ROOT_DOMAIN"),

		TransportCertPath: getOptionalEnv("TRANSPORT_CERT_PATH", "keys/transport.pem"),
		TransportKeyPath:  getOptionalEnv("TRANSPORT_KEY_PATH", "keys/private.key"),
		SigningKeyPath:    getOptionalEnv("SIGNING_KEY_PATH", "keys/private.key"),
		BankCAPaths:       splitList(os.Getenv("BANK_CA_PATHS")),
		BankInsecureTLS:   getOptionalBool("BANK_INSECURE_SKIP_VERIFY"),

		TokenURL:         getOptionalEnv("TOKEN_URL", defaultTokenURL),
		BankAPIURL:       strings.TrimSuffix(getOptionalEnv("BANK_API_URL", defaultBankAPIURL), "/"),
		AuthorizationURL: getOptionalEnv("AUTHORIZATION_URL", defaultAuthorizationURL),
		Audience:         os.Getenv("AUTHORIZATION_AUDIENCE"),
		JwksURI:          getOptionalEnv("JWKS_URI", defaultJwksURI),

		BankTimeout:         millis("BANK_TIMEOUT_MS", defaultBankTimeout),
		StateExpiry:         millis("STATE_EXPIRY_MS", defaultStateExpiry),
		HealthCheckInterval: millis("HEALTH_CHECK_INTERVAL_MS", defaultHealthCheckInterval),

		RedisAddr:   os.Getenv("REDIS_ADDR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		AuditWorkers:   integer("AUDIT_WORKERS", 2),
		AuditQueueSize: integer("AUDIT_QUEUE_SIZE", 64),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return vars, nil
}

func getOptionalEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getOptionalBool(key string) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && b
}

func getOptionalInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}

func getOptionalMillis(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive number of milliseconds", key)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func IsProduction() bool {
	return getOptionalEnv("ENVIRONMENT", "development") == "production"
}

func IsDevelopment() bool {
	return !IsProduction()
}

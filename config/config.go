package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Ledger   LedgerConfig
	CAS      CASConfig
}

type AppConfig struct {
	Port     string
	LogLevel string
	// CORSOrigin is echoed back in Access-Control-Allow-Origin.
	CORSOrigin string
}

type DatabaseConfig struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
	SSLMode  string
	// URL overrides the individual fields when set.
	URL string
}

// DSN builds the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	// Addr empty disables redis; locks fall back to in-process mutexes.
	Addr     string
	Password string
	DB       int
	LockTTL  time.Duration
}

type JWTConfig struct {
	Secret string
}

type LedgerConfig struct {
	RPCURL     string
	ProgramID  string
	Commitment string
	// SignerKey is the service key used to anchor proofs. Empty disables on-chain anchoring.
	SignerKey string
	// WalletKeys maps wallet address -> secret key for custodial devnet signing.
	WalletKeys     map[string]string
	Timeout        time.Duration
	ConfirmTimeout time.Duration
	ReadRetries    int
	RPS            float64
}

type CASConfig struct {
	Backend    string // local, kubo, s3
	LocalDir   string
	IPFSAPIURL string
	S3         S3Config
}

type S3Config struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		App: AppConfig{
			Port:       getEnv("PORT", "8080"),
			LogLevel:   getEnv("LOG_LEVEL", "info"),
			CORSOrigin: getEnv("CORS_ORIGIN", "*"),
		},
		Database: DatabaseConfig{
			User:     getEnv("user", ""),
			Password: getEnv("password", ""),
			Host:     getEnv("host", "localhost"),
			Port:     getEnv("port", "5432"),
			Name:     getEnv("dbname", "clausebase"),
			SSLMode:  getEnv("DB_SSLMODE", "require"),
			URL:      getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDRESS", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			LockTTL:  getEnvDuration("REDIS_LOCK_TTL", 30*time.Second),
		},
		JWT: JWTConfig{
			Secret: getEnv("SUPABASE_JWT_SECRET", ""),
		},
		Ledger: LedgerConfig{
			RPCURL:         getEnv("LEDGER_RPC_URL", "https://api.devnet.solana.com"),
			ProgramID:      getEnv("LEDGER_PROGRAM_ID", "2Ye3UPoTi9t7j1vHq6VsqivGxQWgd6ofga5DgLRkJrFb"),
			Commitment:     getEnv("LEDGER_COMMITMENT", "finalized"),
			SignerKey:      getEnv("LEDGER_SIGNER_KEY", ""),
			WalletKeys:     parseKeyMap(getEnv("LEDGER_WALLET_KEYS", "")),
			Timeout:        getEnvDuration("LEDGER_TIMEOUT", 15*time.Second),
			ConfirmTimeout: getEnvDuration("LEDGER_CONFIRM_TIMEOUT", 90*time.Second),
			ReadRetries:    getEnvInt("LEDGER_READ_RETRIES", 3),
			RPS:            getEnvFloat("LEDGER_RPS", 5),
		},
		CAS: CASConfig{
			Backend:    getEnv("CAS_BACKEND", "local"),
			LocalDir:   getEnv("CAS_LOCAL_DIR", "./data/cas"),
			IPFSAPIURL: getEnv("IPFS_API_URL", "http://127.0.0.1:5001"),
			S3: S3Config{
				Endpoint:     getEnv("S3_ENDPOINT", ""),
				Region:       getEnv("S3_REGION", "us-east-1"),
				Bucket:       getEnv("S3_BUCKET", ""),
				AccessKey:    getEnv("S3_ACCESS_KEY", ""),
				SecretKey:    getEnv("S3_SECRET_KEY", ""),
				UsePathStyle: getEnvBool("S3_USE_PATH_STYLE", true),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required")
	}
	switch c.CAS.Backend {
	case "local", "kubo":
	case "s3":
		if c.CAS.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when CAS_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unknown CAS_BACKEND %q", c.CAS.Backend)
	}
	switch c.Ledger.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		return fmt.Errorf("unknown LEDGER_COMMITMENT %q", c.Ledger.Commitment)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

// parseKeyMap parses "wallet=key,wallet2=key2".
func parseKeyMap(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		wallet, key, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || wallet == "" || key == "" {
			continue
		}
		out[strings.TrimSpace(wallet)] = strings.TrimSpace(key)
	}
	return out
}

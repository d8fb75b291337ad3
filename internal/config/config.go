package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/strkey"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Stellar     StellarConfig
	Custody     CustodyConfig
	Signature   SignatureConfig
	Submit      SubmitConfig
	AutoDeposit AutoDepositConfig
	Lock        LockConfig
	RateLimit   RateLimitConfig
	Alerts      AlertConfig
	AdminAPIKey string
	LogLevel    string
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Path string
}

// StellarConfig describes the target network and the strategy being funded.
type StellarConfig struct {
	Network          string // "testnet" or "mainnet"
	HorizonURL       string
	SorobanRPCURL    string
	AssetCode        string
	AssetIssuer      string
	StrategyContract string
	BaseFee          int64
	TxTimeoutSeconds int64
}

type CustodyConfig struct {
	BaseURL        string
	OrganizationID string
	APIPublicKey   string
	APIPrivateKey  string
	PollInterval   time.Duration
	MaxPolls       int
	// SignFullTransaction sends the envelope instead of the signing hash.
	// Only useful when diagnosing signer behaviour.
	SignFullTransaction bool
}

type SignatureConfig struct {
	CandidateSearch bool
}

type SubmitConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
}

type AutoDepositConfig struct {
	MinDepositAmount decimal.Decimal
	NetworkFeeBuffer decimal.Decimal
	MaxRetries       int
	RetryDelay       time.Duration
	BatchSize        int
	BatchDelay       time.Duration
	Schedule         string
}

type LockConfig struct {
	RedisURL string
	TTL      time.Duration
}

type RateLimitConfig struct {
	RequestsPerSecond int
	BurstSize         int
}

type AlertConfig struct {
	TelegramBotToken string
	TelegramChatID   int64
}

func Load() *Config {
	network := strings.ToLower(getEnv("STELLAR_NETWORK", "testnet"))

	horizonURL := "https://horizon-testnet.stellar.org"
	rpcURL := "https://soroban-testnet.stellar.org"
	if network == "mainnet" {
		horizonURL = "https://horizon.stellar.org"
		rpcURL = "https://mainnet.sorobanrpc.com"
	}

	return &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  time.Duration(getEnvAsInt("READ_TIMEOUT", 10)) * time.Second,
			WriteTimeout: time.Duration(getEnvAsInt("WRITE_TIMEOUT", 120)) * time.Second,
		},
		Database: DatabaseConfig{
			Path: getEnv("DB_PATH", "./yieldvault.db"),
		},
		Stellar: StellarConfig{
			Network:          network,
			HorizonURL:       getEnv("HORIZON_URL", horizonURL),
			SorobanRPCURL:    getEnv("SOROBAN_RPC_URL", rpcURL),
			AssetCode:        getEnv("ASSET_CODE", "USDC"),
			AssetIssuer:      getEnv("ASSET_ISSUER", ""),
			StrategyContract: getEnv("STRATEGY_CONTRACT", ""),
			BaseFee:          int64(getEnvAsInt("BASE_FEE", 100)),
			TxTimeoutSeconds: int64(getEnvAsInt("TX_TIMEOUT_SECONDS", 300)),
		},
		Custody: CustodyConfig{
			BaseURL:             getEnv("CUSTODY_BASE_URL", "https://api.turnkey.com"),
			OrganizationID:      getEnv("CUSTODY_ORGANIZATION_ID", ""),
			APIPublicKey:        getEnv("CUSTODY_API_PUBLIC_KEY", ""),
			APIPrivateKey:       getEnv("CUSTODY_API_PRIVATE_KEY", ""),
			PollInterval:        getEnvAsDuration("CUSTODY_POLL_INTERVAL", 500*time.Millisecond),
			MaxPolls:            getEnvAsInt("CUSTODY_MAX_POLLS", 20),
			SignFullTransaction: getEnvAsBool("CUSTODY_SIGN_FULL_TX", false),
		},
		Signature: SignatureConfig{
			CandidateSearch: getEnvAsBool("SIGNATURE_CANDIDATE_SEARCH", true),
		},
		Submit: SubmitConfig{
			PollInterval: getEnvAsDuration("SUBMIT_POLL_INTERVAL", time.Second),
			MaxAttempts:  getEnvAsInt("SUBMIT_MAX_ATTEMPTS", 30),
		},
		AutoDeposit: AutoDepositConfig{
			MinDepositAmount: getEnvAsDecimal("AUTO_DEPOSIT_MIN_AMOUNT", decimal.NewFromInt(10)),
			NetworkFeeBuffer: getEnvAsDecimal("AUTO_DEPOSIT_FEE_BUFFER", decimal.NewFromInt(1)),
			MaxRetries:       getEnvAsInt("AUTO_DEPOSIT_MAX_RETRIES", 3),
			RetryDelay:       getEnvAsDuration("AUTO_DEPOSIT_RETRY_DELAY", 5*time.Second),
			BatchSize:        getEnvAsInt("AUTO_DEPOSIT_BATCH_SIZE", 10),
			BatchDelay:       getEnvAsDuration("AUTO_DEPOSIT_BATCH_DELAY", 2*time.Second),
			Schedule:         getEnv("AUTO_DEPOSIT_SCHEDULE", "@every 5m"),
		},
		Lock: LockConfig{
			RedisURL: getEnv("REDIS_URL", ""),
			TTL:      getEnvAsDuration("LOCK_TTL", 10*time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvAsInt("RATE_LIMIT_RPS", 10),
			BurstSize:         getEnvAsInt("RATE_LIMIT_BURST", 20),
		},
		Alerts: AlertConfig{
			TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID:   int64(getEnvAsInt("TELEGRAM_CHAT_ID", 0)),
		},
		AdminAPIKey: getEnv("ADMIN_API_KEY", ""),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}
}

// IsTestnet reports whether the configured network is the public testnet.
func (c StellarConfig) IsTestnet() bool {
	return c.Network != "mainnet"
}

// Validate rejects settings the service cannot run with. A credit asset needs
// its issuer, or balance reads could never match it.
func (c StellarConfig) Validate() error {
	native := strings.EqualFold(c.AssetCode, "XLM") || strings.EqualFold(c.AssetCode, "native")
	if !native {
		if c.AssetIssuer == "" {
			return fmt.Errorf("ASSET_ISSUER is required for asset %s", c.AssetCode)
		}
		if !strkey.IsValidEd25519PublicKey(c.AssetIssuer) {
			return fmt.Errorf("ASSET_ISSUER %q is not a valid account address", c.AssetIssuer)
		}
	}
	if c.StrategyContract == "" {
		return errors.New("STRATEGY_CONTRACT is required")
	}
	return nil
}

func getEnv(key string, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultVal
}

// getEnvAsDuration accepts Go duration strings ("500ms", "5s").
func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	valueStr := getEnv(key, "")
	if value, err := decimal.NewFromString(valueStr); err == nil {
		return value
	}
	return defaultVal
}

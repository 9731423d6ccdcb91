// Package config resolves runtime settings from an optional .env file, the
// process environment and per-environment defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

var Env map[string]string

// GetEnv looks the key up in the loaded .env first, then in the OS environment.
func GetEnv(key, def string) string {
	if val, ok := Env[key]; ok {
		return val
	}
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

// LoadEnvFile reads the first .env it finds. A missing file is not an error:
// containers configure through the real environment.
func LoadEnvFile(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env", "../../.env"}
	}
	for _, p := range paths {
		m, err := godotenv.Read(p)
		if err == nil {
			Env = m
			return
		}
	}
}

// environment holds the defaults that differ per deployment.
type environment struct {
	ID           string
	PayUReports  string
	Web3Provider string
	ChainID      int64
	Account      string
}

var environments = map[string]environment{
	"development": {
		ID:           "development",
		PayUReports:  "https://sandbox.api.payulatam.com/reports-api/4.0/service.cgi",
		Web3Provider: "http://localhost:8545",
		ChainID:      3,
		Account:      "0xe1fF19182deb2058016Ae0627c1E4660A895196a",
	},
	"testing": {
		ID:           "testing",
		PayUReports:  "https://sandbox.api.payulatam.com/reports-api/4.0/service.cgi",
		Web3Provider: "https://ropsten.infura.io/v3/",
		ChainID:      3,
		Account:      "0xe1fF19182deb2058016Ae0627c1E4660A895196a",
	},
	"production": {
		ID:           "production",
		PayUReports:  "https://api.payulatam.com/reports-api/4.0/service.cgi",
		Web3Provider: "https://mainnet.infura.io/v3/",
		ChainID:      1,
		Account:      "0xe1fF19182deb2058016Ae0627c1E4660A895196a",
	},
}

type Config struct {
	Environment   string
	EnvironmentID string
	Port          string
	DSN           string
	Workers       int
	QueueSize     int
	SettleTimeout time.Duration
	AdminAPIKey   string

	LogLevel  string
	LogFormat string

	PayULogin      string
	PayUKey        string
	MerchantID     string
	PayUReportsURL string
	PayUTest       bool
	FetchAttempts  int
	FetchInterval  time.Duration
	FirstCounter   int

	Web3Provider string
	ChainID      int64
	Account      string
	PrivateKey   string
	GasLimit     uint64

	EtherscanURL    string
	EtherscanKey    string
	FeeThreshold    decimal.Decimal
	ConfirmInterval time.Duration
}

// Load builds a Config for the environment named by ENVIRONMENT.
func Load() (*Config, error) {
	name := GetEnv("ENVIRONMENT", "development")
	env, ok := environments[name]
	if !ok {
		return nil, fmt.Errorf("unknown environment %q", name)
	}

	c := &Config{
		Environment:    name,
		EnvironmentID:  GetEnv("ENVIRONMENT_ID", env.ID),
		Port:           GetEnv("PORT", "3000"),
		DSN:            GetEnv("DB_DSN", "file:attendpay.db?_pragma=busy_timeout=5000&_txlock=immediate"),
		LogLevel:       GetEnv("LOG_LEVEL", "info"),
		LogFormat:      GetEnv("LOG_FORMAT", ""),
		PayULogin:      GetEnv("PAYU_LOGIN", "pRRXKOl8ikMmt9u"),
		PayUKey:        GetEnv("PAYU_KEY", "4Vj8eK4rloUd272L48hsrarnUA"),
		MerchantID:     GetEnv("PAYU_MERCHANT_ID", "508029"),
		PayUReportsURL: GetEnv("PAYU_REPORTS_URL", env.PayUReports),
		PayUTest:       name != "production",
		Web3Provider:   GetEnv("WEB3_PROVIDER", env.Web3Provider),
		Account:        GetEnv("ACCOUNT", env.Account),
		PrivateKey:     GetEnv("PRIVATE_KEY", ""),
		EtherscanURL:   GetEnv("ETHERSCAN_URL", "https://api.etherscan.io/api"),
		EtherscanKey:   GetEnv("ETHERSCAN_KEY", ""),
		AdminAPIKey:    GetEnv("ADMIN_API_KEY", ""),
	}

	var err error
	if c.Workers, err = intEnv("WORKERS", 4); err != nil {
		return nil, err
	}
	if c.QueueSize, err = intEnv("QUEUE_SIZE", 100); err != nil {
		return nil, err
	}
	if c.FetchAttempts, err = intEnv("FETCH_ATTEMPTS", 10); err != nil {
		return nil, err
	}
	if c.FirstCounter, err = intEnv("FIRST_COUNTER", 0); err != nil {
		return nil, err
	}
	if c.FetchInterval, err = time.ParseDuration(GetEnv("FETCH_INTERVAL", "3s")); err != nil {
		return nil, fmt.Errorf("FETCH_INTERVAL: %w", err)
	}
	if c.SettleTimeout, err = time.ParseDuration(GetEnv("SETTLE_TIMEOUT", "2m")); err != nil {
		return nil, fmt.Errorf("SETTLE_TIMEOUT: %w", err)
	}
	if c.ConfirmInterval, err = time.ParseDuration(GetEnv("CONFIRM_INTERVAL", "1m")); err != nil {
		return nil, fmt.Errorf("CONFIRM_INTERVAL: %w", err)
	}
	if c.ChainID, err = strconv.ParseInt(GetEnv("CHAIN_ID", strconv.FormatInt(env.ChainID, 10)), 10, 64); err != nil {
		return nil, fmt.Errorf("CHAIN_ID: %w", err)
	}
	if c.GasLimit, err = strconv.ParseUint(GetEnv("GAS_LIMIT", "1000000"), 10, 64); err != nil {
		return nil, fmt.Errorf("GAS_LIMIT: %w", err)
	}
	if c.FeeThreshold, err = decimal.NewFromString(GetEnv("FEE_THRESHOLD", "0.9")); err != nil {
		return nil, fmt.Errorf("FEE_THRESHOLD: %w", err)
	}
	if c.FeeThreshold.LessThanOrEqual(decimal.Zero) || c.FeeThreshold.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errors.New("FEE_THRESHOLD must be in (0, 1]")
	}
	return c, nil
}

// RequireSigner fails when the custodial key is missing.
func (c *Config) RequireSigner() error {
	if c.PrivateKey == "" {
		return errors.New("private key not set (PRIVATE_KEY)")
	}
	return nil
}

func intEnv(key string, def int) (int, error) {
	v, err := strconv.Atoi(GetEnv(key, strconv.Itoa(def)))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

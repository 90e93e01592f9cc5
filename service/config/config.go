package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/fundsplit/service/funding"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string // Worker metrics listener; the server exposes /metrics on ServerAddr
	LogLevel    string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Redis configuration. Empty RedisURL disables the session cache and
	// falls back to in-process session locks.
	RedisURL        string
	SessionCacheTTL time.Duration
	SessionLockTTL  time.Duration

	// Temporal configuration
	TemporalHost        string
	TemporalNamespace   string
	TemporalTaskQueue   string
	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration

	// Chain configuration
	RPCURL               string
	ChainID              int64
	RPCRequestsPerSecond float64

	// Tokens
	DepositTokenAddress  common.Address
	DepositTokenDecimals int32
	CapitalTokenAddress  common.Address
	CapitalTokenDecimals int32
	WrappedNativeAddress common.Address

	// DEX configuration. Zero addresses leave a protocol unconfigured.
	DEXProtocol      funding.Protocol // Empty quotes every configured protocol
	V2RouterAddress  common.Address
	V3QuoterAddress  common.Address
	V3RouterAddress  common.Address
	V3GasFeeTier     uint32
	V3CapitalFeeTier uint32

	// Funding policy
	GasBps                 uint32
	CapitalBps             uint32
	SlippageBps            uint32
	QuoteValidity          time.Duration
	SwapDeadline           time.Duration
	QuoteMaxAttempts       int
	QuoteInitialBackoff    time.Duration
	VerifyToleranceBps     uint32
	MinDepositAmount       *big.Int
	RequireCapitalContract bool

	// Fiat pricing for gas estimates
	PriceSourceURL    string
	PriceSourceQuery  string
	NativeUSDFallback decimal.Decimal // Zero disables the static fallback
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9090")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.SessionCacheTTL, err = parseDuration("SESSION_CACHE_TTL", "30s")
	collect(err)
	cfg.SessionLockTTL, err = parseDuration("SESSION_LOCK_TTL", "1m")
	collect(err)

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "fundsplit-step-tracking")
	cfg.ReceiptPollInterval, err = parseDuration("RECEIPT_POLL_INTERVAL", "3s")
	collect(err)
	cfg.ReceiptTimeout, err = parseDuration("RECEIPT_TIMEOUT", "10m")
	collect(err)

	// Chain configuration
	cfg.RPCURL = os.Getenv("RPC_URL")
	if cfg.RPCURL == "" {
		errs = append(errs, fmt.Errorf("RPC_URL is required"))
	}
	chainID, err := parseInt("CHAIN_ID", 1)
	collect(err)
	cfg.ChainID = int64(chainID)
	cfg.RPCRequestsPerSecond, err = parseFloat("RPC_REQUESTS_PER_SECOND", 10)
	collect(err)

	// Tokens
	cfg.DepositTokenAddress, err = parseAddress("DEPOSIT_TOKEN_ADDRESS", true)
	collect(err)
	cfg.CapitalTokenAddress, err = parseAddress("CAPITAL_TOKEN_ADDRESS", true)
	collect(err)
	cfg.WrappedNativeAddress, err = parseAddress("WRAPPED_NATIVE_ADDRESS", true)
	collect(err)
	depositDecimals, err := parseInt("DEPOSIT_TOKEN_DECIMALS", 6)
	collect(err)
	cfg.DepositTokenDecimals = int32(depositDecimals)
	capitalDecimals, err := parseInt("CAPITAL_TOKEN_DECIMALS", 6)
	collect(err)
	cfg.CapitalTokenDecimals = int32(capitalDecimals)

	// DEX configuration
	if p := os.Getenv("DEX_PROTOCOL"); p != "" {
		cfg.DEXProtocol, err = funding.ParseProtocol(strings.ToLower(p))
		if err != nil {
			errs = append(errs, fmt.Errorf("DEX_PROTOCOL: %w", err))
		}
	}
	cfg.V2RouterAddress, err = parseAddress("V2_ROUTER_ADDRESS", false)
	collect(err)
	cfg.V3QuoterAddress, err = parseAddress("V3_QUOTER_ADDRESS", false)
	collect(err)
	cfg.V3RouterAddress, err = parseAddress("V3_ROUTER_ADDRESS", false)
	collect(err)
	cfg.V3GasFeeTier, err = parseUint32("V3_GAS_FEE_TIER", 0)
	collect(err)
	cfg.V3CapitalFeeTier, err = parseUint32("V3_CAPITAL_FEE_TIER", 0)
	collect(err)

	// Funding policy
	cfg.GasBps, err = parseUint32("GAS_BPS", funding.DefaultGasBps)
	collect(err)
	cfg.CapitalBps, err = parseUint32("CAPITAL_BPS", funding.DefaultCapitalBps)
	collect(err)
	cfg.SlippageBps, err = parseUint32("SLIPPAGE_BPS", 50)
	collect(err)
	cfg.QuoteValidity, err = parseDuration("QUOTE_VALIDITY", "2m")
	collect(err)
	cfg.SwapDeadline, err = parseDuration("SWAP_DEADLINE", "10m")
	collect(err)
	cfg.QuoteMaxAttempts, err = parseInt("QUOTE_MAX_ATTEMPTS", 3)
	collect(err)
	cfg.QuoteInitialBackoff, err = parseDuration("QUOTE_INITIAL_BACKOFF", "500ms")
	collect(err)
	cfg.VerifyToleranceBps, err = parseUint32("VERIFY_TOLERANCE_BPS", 9000)
	collect(err)
	cfg.RequireCapitalContract, err = parseBool("REQUIRE_CAPITAL_CONTRACT", false)
	collect(err)

	minDeposit := getEnvOrDefault("MIN_DEPOSIT_AMOUNT", "1")
	if v, ok := new(big.Int).SetString(minDeposit, 10); ok {
		cfg.MinDepositAmount = v
	} else {
		errs = append(errs, fmt.Errorf("MIN_DEPOSIT_AMOUNT: invalid integer %q", minDeposit))
	}

	// Fiat pricing
	cfg.PriceSourceURL = os.Getenv("PRICE_SOURCE_URL")
	cfg.PriceSourceQuery = getEnvOrDefault("PRICE_SOURCE_QUERY", ".price")
	if v := os.Getenv("NATIVE_USD_FALLBACK"); v != "" {
		cfg.NativeUSDFallback, err = decimal.NewFromString(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("NATIVE_USD_FALLBACK: invalid decimal %q: %w", v, err))
		}
	}

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}
	if c.RPCURL == "" {
		errs = append(errs, fmt.Errorf("RPCURL is required"))
	}
	if c.DepositTokenAddress == (common.Address{}) {
		errs = append(errs, fmt.Errorf("DepositTokenAddress is required"))
	}
	if c.CapitalTokenAddress == (common.Address{}) {
		errs = append(errs, fmt.Errorf("CapitalTokenAddress is required"))
	}
	if c.WrappedNativeAddress == (common.Address{}) {
		errs = append(errs, fmt.Errorf("WrappedNativeAddress is required"))
	}
	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}
	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}
	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	v2, v3 := c.V2Configured(), c.V3Configured()
	switch c.DEXProtocol {
	case funding.ProtocolV2:
		if !v2 {
			errs = append(errs, fmt.Errorf("DEXProtocol v2 requires V2RouterAddress"))
		}
	case funding.ProtocolV3:
		if !v3 {
			errs = append(errs, fmt.Errorf("DEXProtocol v3 requires V3QuoterAddress and V3RouterAddress"))
		}
	default:
		if !v2 && !v3 {
			errs = append(errs, fmt.Errorf("at least one of V2RouterAddress or V3QuoterAddress/V3RouterAddress is required"))
		}
	}
	if (c.V3QuoterAddress == (common.Address{})) != (c.V3RouterAddress == (common.Address{})) {
		errs = append(errs, fmt.Errorf("V3QuoterAddress and V3RouterAddress must be set together"))
	}

	if c.GasBps+c.CapitalBps != funding.BpsDenominator {
		errs = append(errs, fmt.Errorf("GasBps (%d) + CapitalBps (%d) must equal %d", c.GasBps, c.CapitalBps, funding.BpsDenominator))
	}
	if c.SlippageBps >= funding.BpsDenominator {
		errs = append(errs, fmt.Errorf("SlippageBps must be below %d", funding.BpsDenominator))
	}
	if c.VerifyToleranceBps > funding.BpsDenominator {
		errs = append(errs, fmt.Errorf("VerifyToleranceBps cannot exceed %d", funding.BpsDenominator))
	}
	if c.QuoteMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("QuoteMaxAttempts must be at least 1"))
	}
	if c.QuoteValidity <= 0 {
		errs = append(errs, fmt.Errorf("QuoteValidity must be positive"))
	}
	if c.SwapDeadline < time.Minute {
		errs = append(errs, fmt.Errorf("SwapDeadline must be at least 1 minute"))
	}
	if c.MinDepositAmount == nil || c.MinDepositAmount.Sign() <= 0 {
		errs = append(errs, fmt.Errorf("MinDepositAmount must be positive"))
	}
	if c.RPCRequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("RPCRequestsPerSecond cannot be negative"))
	}
	if c.ReceiptPollInterval < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("ReceiptPollInterval must be at least 100ms"))
	}
	if c.ReceiptTimeout < c.ReceiptPollInterval {
		errs = append(errs, fmt.Errorf("ReceiptTimeout cannot be shorter than ReceiptPollInterval"))
	}
	if c.NativeUSDFallback.IsNegative() {
		errs = append(errs, fmt.Errorf("NativeUSDFallback cannot be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// V2Configured reports whether a constant-product router is configured.
func (c *Config) V2Configured() bool {
	return c.V2RouterAddress != (common.Address{})
}

// V3Configured reports whether a concentrated-liquidity deployment is configured.
func (c *Config) V3Configured() bool {
	return c.V3QuoterAddress != (common.Address{}) && c.V3RouterAddress != (common.Address{})
}

// FeeTiers pins V3 pool fees by output token.
func (c *Config) FeeTiers() map[common.Address]uint32 {
	tiers := make(map[common.Address]uint32)
	if c.V3GasFeeTier != 0 {
		tiers[c.WrappedNativeAddress] = c.V3GasFeeTier
	}
	if c.V3CapitalFeeTier != 0 {
		tiers[c.CapitalTokenAddress] = c.V3CapitalFeeTier
	}
	return tiers
}

// Funding returns the orchestrator settings.
func (c *Config) Funding() funding.Config {
	fc := funding.DefaultConfig()
	fc.DepositToken = c.DepositTokenAddress
	fc.CapitalToken = c.CapitalTokenAddress
	fc.WrappedNative = c.WrappedNativeAddress
	fc.Protocol = c.DEXProtocol
	fc.GasBps = c.GasBps
	fc.CapitalBps = c.CapitalBps
	fc.SlippageBps = c.SlippageBps
	fc.QuoteValidity = c.QuoteValidity
	fc.SwapDeadlineMinutes = int(c.SwapDeadline / time.Minute)
	fc.QuoteMaxAttempts = c.QuoteMaxAttempts
	fc.QuoteInitialBackoff = c.QuoteInitialBackoff
	if c.MinDepositAmount != nil {
		fc.MinDeposit = new(big.Int).Set(c.MinDepositAmount)
	}
	fc.RequireCapitalContract = c.RequireCapitalContract
	return fc
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseUint32(key string, defaultValue uint32) (uint32, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid unsigned integer %q: %w", key, value, err)
	}
	return uint32(result), nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}

// parseAddress reads a hex address. Unset optional addresses are the zero address.
func parseAddress(key string, required bool) (common.Address, error) {
	value := os.Getenv(key)
	if value == "" {
		if required {
			return common.Address{}, fmt.Errorf("%s is required", key)
		}
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", key, value)
	}
	return common.HexToAddress(value), nil
}

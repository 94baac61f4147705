// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// AptosChainID is the chain id the price service uses for Aptos mainnet.
const AptosChainID = 1

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Chain endpoints
	FullnodeURL string
	IndexerURL  string
	AptosAPIKey string

	// Price and token metadata sources
	PanoraURL     string
	PanoraAPIKey  string
	MarketsAPIURL string

	// Base URL for self-referential calls to this service's own API
	InternalBaseURL string

	Thala ThalaConfig

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Outbound call behaviour
	CallTimeout time.Duration
	RetryMax    int
	FanoutLimit int
	OutboundRPS float64

	// Inbound rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Per-source circuit breaker
	BreakerFailures int
	BreakerCooldown time.Duration

	// Response caching
	CacheMaxAge time.Duration
	CacheSWR    time.Duration
	Redis       RedisConfig

	CORSOrigins []string
}

// ThalaConfig holds the Thala protocol adapter settings.
type ThalaConfig struct {
	FarmingPackage     string `toml:"farming_package"`
	CLMMPackage        string `toml:"clmm_package"`
	RewardToken        string `toml:"reward_token"`
	PoolsURL           string `toml:"pools_url"`
	PositionNamePrefix string `toml:"position_name_prefix"`
}

// RedisConfig switches the response cache to redis when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Load creates a new Config from environment variables
func Load() Config {
	port := GetEnvOrDefault("PORT", "8080")
	return Config{
		Port:            port,
		FullnodeURL:     GetEnvOrDefault("APTOS_FULLNODE_URL", "https://api.mainnet.aptoslabs.com"),
		IndexerURL:      GetEnvOrDefault("APTOS_INDEXER_URL", "https://api.mainnet.aptoslabs.com"),
		AptosAPIKey:     GetEnvOrDefault("APTOS_API_KEY", ""),
		PanoraURL:       GetEnvOrDefault("PANORA_URL", "https://api.panora.exchange"),
		PanoraAPIKey:    GetEnvOrDefault("PANORA_API_KEY", "a4^KV_EaTf4MW#ZdvgGKX#HUD^3IFEAOV_kzpIE^3BQGA8pDnrkT7JcIy#HNlLGi"),
		MarketsAPIURL:   GetEnvOrDefault("MARKETS_API_URL", "https://app.echelon.market/api/markets?network=aptos_mainnet"),
		InternalBaseURL: GetEnvOrDefault("INTERNAL_API_BASE_URL", "http://localhost:"+port),
		Thala: ThalaConfig{
			FarmingPackage:     GetEnvOrDefault("THALA_FARMING_PACKAGE", "0xcb8365dc9f7ac6283169598aaad7db9c7b12f52da127007f37fa4565170ff59c"),
			CLMMPackage:        GetEnvOrDefault("THALA_CLMM_PACKAGE", "0x7730cd28ee1cdc9e999336cbc430f99e7c44397c0aa77516f6f23a78559bb5"),
			RewardToken:        GetEnvOrDefault("THALA_REWARD_TOKEN", "0x377adc4848552eb2ea17259be928001923efe12271fef1667e2b784f04a7cf3a"),
			PoolsURL:           GetEnvOrDefault("THALA_POOLS_URL", "https://app.thala.fi/api/liquidity-pools"),
			PositionNamePrefix: GetEnvOrDefault("THALA_POSITION_NAME_PREFIX", "ThalaSwapCLToken:%"),
		},
		OtelEndpoint:    GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		CallTimeout:     GetEnvAsDuration("CALL_TIMEOUT", 8*time.Second),
		RetryMax:        GetEnvAsInt("RETRY_MAX", 2),
		FanoutLimit:     GetEnvAsInt("FANOUT_LIMIT", 8),
		OutboundRPS:     GetEnvAsFloat("OUTBOUND_RPS", 20),
		RateLimitRPS:    GetEnvAsFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:  GetEnvAsInt("RATE_LIMIT_BURST", 20),
		BreakerFailures: GetEnvAsInt("BREAKER_FAILURES", 5),
		BreakerCooldown: GetEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
		CacheMaxAge:     GetEnvAsDuration("CACHE_MAX_AGE", 5*time.Second),
		CacheSWR:        GetEnvAsDuration("CACHE_SWR", 25*time.Second),
		Redis: RedisConfig{
			Addr:     GetEnvOrDefault("REDIS_ADDR", ""),
			Password: GetEnvOrDefault("REDIS_PASSWORD", ""),
			DB:       GetEnvAsInt("REDIS_DB", 0),
		},
		CORSOrigins: splitList(GetEnvOrDefault("CORS_ORIGINS", "*")),
	}
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
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

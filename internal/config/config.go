// Package config loads the process-wide Config record from the environment,
// following the teacher's env/default parsing-helper idiom
// (infrastructure/config/loader.go) rather than a framework-driven bindings
// object.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full set of options named in the external-interfaces
// section of the specification, plus storage/KV/HTTP bind settings needed
// to run the process.
type Config struct {
	// Identity & signing.
	NostrMasterKeyHex string
	SystemNostrPubkey string

	// Relay fan-out / gateway.
	Relays               []string
	MinPowBits           int
	RelayLightningAddr   string
	RelayBindAddr        string
	RetentionDays        int

	// Platform economics.
	PlatformFeePercent     float64
	PlatformLightningAddr  string
	BoardMaxBidSats        int64
	BoardUserID            string

	// Social layer.
	CommunityIDs []string

	// HTTP surface.
	HTTPAddr string

	// Storage.
	PostgresDSN string

	// KV / cache (Redis).
	RedisAddr string
	RedisDB   int

	// Poller cadence.
	PollInterval time.Duration
}

// Load reads a Config from the process environment. A .env file in the
// working directory is loaded first, if present, without overriding
// already-set variables.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		NostrMasterKeyHex:     GetEnv("NOSTR_MASTER_KEY", ""),
		SystemNostrPubkey:     GetEnv("SYSTEM_NOSTR_PUBKEY", ""),
		Relays:                SplitAndTrimCSV(GetEnv("NOSTR_RELAYS", "")),
		MinPowBits:            ParseIntOrDefault(GetEnv("NOSTR_MIN_POW", ""), 20),
		RelayLightningAddr:    GetEnv("RELAY_LIGHTNING_ADDRESS", ""),
		RelayBindAddr:         GetEnv("RELAY_BIND_ADDR", ":7447"),
		RetentionDays:         ParseIntOrDefault(GetEnv("RELAY_RETENTION_DAYS", ""), 90),
		PlatformFeePercent:    ParseFloatOrDefault(GetEnv("PLATFORM_FEE_PERCENT", ""), 0),
		PlatformLightningAddr: GetEnv("PLATFORM_LIGHTNING_ADDRESS", ""),
		BoardMaxBidSats:       int64(ParseIntOrDefault(GetEnv("BOARD_MAX_BID_SATS", ""), 1000)),
		BoardUserID:           GetEnv("BOARD_USER_ID", ""),
		CommunityIDs:          SplitAndTrimCSV(GetEnv("COMMUNITY_IDS", "")),
		HTTPAddr:              GetEnv("HTTP_ADDR", ":8080"),
		PostgresDSN:           GetEnv("DATABASE_URL", ""),
		RedisAddr:             GetEnv("REDIS_ADDR", ""),
		RedisDB:               ParseIntOrDefault(GetEnv("REDIS_DB", ""), 0),
		PollInterval:          ParseDurationOrDefault(GetEnv("POLL_INTERVAL", ""), 60*time.Second),
	}
}

// GetEnv returns the trimmed environment variable, or def if unset/blank.
func GetEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// GetEnvBool parses a boolean environment variable, defaulting to def.
func GetEnvBool(key string, def bool) bool {
	return ParseBoolOrDefault(os.Getenv(key), def)
}

// GetEnvInt parses an integer environment variable, defaulting to def.
func GetEnvInt(key string, def int) int {
	return ParseIntOrDefault(os.Getenv(key), def)
}

// SplitAndTrimCSV splits a comma-separated string, trims each element, and
// drops empty elements.
func SplitAndTrimCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseIntOrDefault parses s as an int, returning def on any error or blank
// input.
func ParseIntOrDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// ParseFloatOrDefault parses s as a float64, returning def on any error or
// blank input.
func ParseFloatOrDefault(s string, def float64) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

// ParseBoolOrDefault parses s as a bool, returning def on any error or
// blank input.
func ParseBoolOrDefault(s string, def bool) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return def
	}
	return b
}

// ParseDurationOrDefault parses s as a time.Duration, returning def on any
// error or blank input.
func ParseDurationOrDefault(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

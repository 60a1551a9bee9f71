package config

import (
	"os"
	"strconv"
	"time"
)

// CacheConfig defines settings for the grid response cache middleware.
// When Enabled is false or no Redis client is configured, caching is
// disabled. Only GET responses are cached; a full-grid hydration is the
// hottest read in the system and serves every reconnecting viewer, so a
// short TTL keeps the database out of the reconnect storm without
// letting viewers fall far behind the broadcast stream.
type CacheConfig struct {
	Enabled      bool
	TTL          time.Duration
	Prefix       string
	MaxBodyBytes int
}

// LoadCacheConfig reads environment variables to build a CacheConfig.
// Defaults are used when variables are not set.
func LoadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:      getenv("CACHE_ENABLED", "true") == "true",
		TTL:          parseDur(getenv("CACHE_TTL", "5s")),
		Prefix:       getenv("CACHE_PREFIX", "grid"),
		MaxBodyBytes: atoi(getenv("CACHE_MAX_BODY_BYTES", "4194304")),
	}
}

// Helper functions shared with ratelimit.go.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoi(s string) int {
	i, _ := strconv.Atoi(s)
	return i
}

func parseDur(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Second
	}
	return d
}

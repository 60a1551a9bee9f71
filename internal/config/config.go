package config // package config loads application configuration from environment variables

import (
	"log"     // log is used to report configuration errors and halt execution
	"os"      // os provides access to environment variables
	"strconv" // strconv converts strings to other types
	"time"    // time is used for duration-typed settings
)

// Config holds all runtime configuration values. Each field corresponds
// to an environment variable. Pricing knobs are read-only inputs to the
// core: the service never mutates them and never derives them from data.
type Config struct {
	Env  string // application environment (e.g. "dev", "prod")
	Port string // HTTP port to listen on

	DBUser string // database username
	DBPass string // database password (optional)
	DBHost string // database host address
	DBPort string // database port number
	DBName string // database name

	OwnerTokenSecret string // secret used to sign owner identity tokens

	StripeSecretKey     string // secret API key for the payment gateway
	StripeWebhookSecret string // signing secret for gateway webhook events

	FloorPriceCents               int64         // minimum price of a never-owned cell
	PriceIncrementCents           int64         // minimum raise over the stored price
	FreeAllocationMax             int           // zero-price cells a buyer may hold
	ProtectionWindow              time.Duration // how long a purchased protection lasts
	ProtectionOverrideMultiplier  int64         // required multiple to take a protected cell
	ProtectionSurchargeMultiplier int64         // price multiple charged when buying protection
}

// Load reads configuration values from environment variables and returns
// a Config. Required variables are enforced by must() and missing values
// cause the program to exit with a fatal log message. Pricing knobs fall
// back to documented defaults so a dev instance starts without a full
// environment.
func Load() Config {
	return Config{
		Env:  must("APP_ENV"),
		Port: must("APP_PORT"),

		DBUser: must("DB_USER"),
		DBPass: os.Getenv("DB_PASS"), // empty allowed
		DBHost: must("DB_HOST"),
		DBPort: must("DB_PORT"),
		DBName: must("DB_NAME"),

		OwnerTokenSecret: must("OWNER_TOKEN_SECRET"),

		StripeSecretKey:     must("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: must("STRIPE_WEBHOOK_SECRET"),

		FloorPriceCents:               envInt64("FLOOR_PRICE_CENTS", 100),
		PriceIncrementCents:           envInt64("PRICE_INCREMENT_CENTS", 100),
		FreeAllocationMax:             envInt("FREE_ALLOCATION_MAX", 3),
		ProtectionWindow:              envDur("PROTECTION_WINDOW", 24*time.Hour),
		ProtectionOverrideMultiplier:  envInt64("PROTECTION_OVERRIDE_MULTIPLIER", 10),
		ProtectionSurchargeMultiplier: envInt64("PROTECTION_SURCHARGE_MULTIPLIER", 4),
	}
}

// must retrieves the value of a required environment variable. If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// envInt returns the integer value of an environment variable or the
// provided default when the variable is unset. Invalid values are fatal:
// a half-configured pricing surface must not start.
func envInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}

// envInt64 is envInt for 64-bit values such as prices in cents.
func envInt64(key string, def int64) int64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}

// envDur parses a Go duration string (e.g. "24h", "30m") with a default.
func envDur(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Fatalf("invalid duration for %s: %q", key, s)
	}
	return d
}

// Package config builds runtime configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults for tunables that are usually left alone.
const (
	// DefaultSystemMaxParallel is the hard ceiling on simultaneously active
	// attempts, regardless of what a batch requests.
	DefaultSystemMaxParallel = 8
	// DefaultLaunchStagger is the fixed delay between worker launches.
	DefaultLaunchStagger = 2 * time.Second
	// DefaultStopGrace bounds how long Stop waits for live attempts.
	DefaultStopGrace = 30 * time.Second
	// DefaultOtpTimeout bounds each OTP wait.
	DefaultOtpTimeout = 5 * time.Minute
	// DefaultOtpPollInterval is the delay between OTP status polls.
	DefaultOtpPollInterval = time.Second
	// DefaultStaleReservation is the age after which an identity
	// reservation is presumed orphaned by a crash and reclaimed.
	DefaultStaleReservation = 30 * time.Minute
	// DefaultPerAccountFee is the fee debited per successful account.
	DefaultPerAccountFee = 2.99
	// DefaultReplacementFactor scales the batch-level retry budget:
	// limit = total_accounts * factor.
	DefaultReplacementFactor = 1
)

// Config is the full runtime configuration for the enroller server.
type Config struct {
	// IdentityPrefix is the local-part prefix of generated addresses,
	// e.g. "fk" yields fk7@domain.
	IdentityPrefix string
	// IdentityDomain is the domain generated addresses belong to.
	IdentityDomain string

	PerAccountFee     float64
	SystemMaxParallel int
	ReplacementFactor int

	LaunchStagger    time.Duration
	StopGrace        time.Duration
	OtpTimeout       time.Duration
	OtpPollInterval  time.Duration
	StaleReservation time.Duration

	Provider ProviderConfig
	Browser  BrowserConfig
}

// ProviderConfig configures the SMS channel provider client.
type ProviderConfig struct {
	BaseURL  string
	APIKey   string
	Service  string
	Country  string
	Operator string
}

// Validate ensures the provider configuration is usable.
func (c *ProviderConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("provider base URL is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("provider API key is required")
	}
	return nil
}

// BrowserConfig configures the browser-automation bridge client.
type BrowserConfig struct {
	BaseURL string
}

// Validate ensures the browser configuration is usable.
func (c *BrowserConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("browser bridge base URL is required")
	}
	return nil
}

// New builds a Config from the environment, applying defaults for
// anything not set.
func New() (*Config, error) {
	cfg := &Config{
		IdentityPrefix:    getEnv("ENROLLER_IDENTITY_PREFIX", "fk"),
		IdentityDomain:    os.Getenv("ENROLLER_IDENTITY_DOMAIN"),
		PerAccountFee:     getEnvFloat("ENROLLER_PER_ACCOUNT_FEE", DefaultPerAccountFee),
		SystemMaxParallel: getEnvInt("ENROLLER_MAX_PARALLEL", DefaultSystemMaxParallel),
		ReplacementFactor: getEnvInt("ENROLLER_REPLACEMENT_FACTOR", DefaultReplacementFactor),
		LaunchStagger:     getEnvDuration("ENROLLER_LAUNCH_STAGGER", DefaultLaunchStagger),
		StopGrace:         getEnvDuration("ENROLLER_STOP_GRACE", DefaultStopGrace),
		OtpTimeout:        getEnvDuration("ENROLLER_OTP_TIMEOUT", DefaultOtpTimeout),
		OtpPollInterval:   getEnvDuration("ENROLLER_OTP_POLL_INTERVAL", DefaultOtpPollInterval),
		StaleReservation:  getEnvDuration("ENROLLER_STALE_RESERVATION", DefaultStaleReservation),
		Provider: ProviderConfig{
			BaseURL:  os.Getenv("ENROLLER_PROVIDER_URL"),
			APIKey:   os.Getenv("ENROLLER_PROVIDER_API_KEY"),
			Service:  getEnv("ENROLLER_PROVIDER_SERVICE", "pfk"),
			Country:  getEnv("ENROLLER_PROVIDER_COUNTRY", "22"),
			Operator: getEnv("ENROLLER_PROVIDER_OPERATOR", "1"),
		},
		Browser: BrowserConfig{
			BaseURL: os.Getenv("ENROLLER_BROWSER_URL"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.IdentityDomain == "" {
		return fmt.Errorf("ENROLLER_IDENTITY_DOMAIN environment variable is not set")
	}
	if c.PerAccountFee <= 0 {
		return fmt.Errorf("per-account fee must be positive")
	}
	if c.SystemMaxParallel < 1 {
		return fmt.Errorf("system max parallel must be at least 1")
	}
	if err := c.Provider.Validate(); err != nil {
		return err
	}
	return c.Browser.Validate()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

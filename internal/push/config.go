package push

import (
	"errors"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines wake notification configuration.
type Config struct {
	GatewayURL string `yaml:"gateway_url"`
	AuthToken  string `yaml:"auth_token"`

	// FailureThreshold is the failed push count at which a device is
	// suspended from further wake attempts.
	FailureThreshold int `yaml:"failure_threshold"`

	// ResendAfter re-arms the wake signal for a device that never checked
	// in after the last one.
	ResendAfter time.Duration `yaml:"resend_after"`

	Timeout time.Duration `yaml:"timeout"`
}

// LoadConfig loads config from yaml or env.
func LoadConfig() (Config, error) {
	cfg := Config{
		GatewayURL:       os.Getenv("PUSH_GATEWAY_URL"),
		AuthToken:        os.Getenv("PUSH_GATEWAY_TOKEN"),
		FailureThreshold: getenvIntDefault("PUSH_FAILURE_THRESHOLD", 5),
		ResendAfter:      getenvDurationDefault("PUSH_RESEND_AFTER", 30*time.Minute),
		Timeout:          getenvDurationDefault("PUSH_TIMEOUT", 10*time.Second),
	}

	if path := os.Getenv("PUSH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResendAfter <= 0 {
		cfg.ResendAfter = 30 * time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.GatewayURL == "" {
		return cfg, errors.New("push: gateway url required")
	}
	return cfg, nil
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDurationDefault(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

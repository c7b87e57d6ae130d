package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	Addr        string
	MaxClients  int
	TLSCertPath string
	TLSKeyPath  string
}

func Load() (*Config, error) {
	maxClients, err := strconv.Atoi(getEnv("CHAT_SERVER_MAX_CLIENTS", "100"))
	if err != nil {
		return nil, fmt.Errorf("CHAT_SERVER_MAX_CLIENTS must be an integer: %w", err)
	}

	cfg := &Config{
		Addr:        getEnv("CHAT_SERVER_ADDR", "0.0.0.0:8080"),
		MaxClients:  maxClients,
		TLSCertPath: os.Getenv("TLS_CERT_PATH"),
		TLSKeyPath:  os.Getenv("TLS_KEY_PATH"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CHAT_SERVER_ADDR must not be empty")
	}

	if c.MaxClients <= 0 {
		return fmt.Errorf("CHAT_SERVER_MAX_CLIENTS must be greater than 0")
	}

	// TLS requires both halves of the key pair.
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return fmt.Errorf("TLS_CERT_PATH and TLS_KEY_PATH must be set together")
	}

	return nil
}

// TLSEnabled reports whether the listener should wrap connections in TLS.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

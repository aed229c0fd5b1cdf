package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix is the prefix of all environment variables read by Load,
// e.g. GAI_SERVER_PORT, GAI_DATABASE_URL.
const envPrefix = "GAI"

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables take
// precedence over file values. Returns a populated Config struct or an
// error if loading or validation fails.
func Load() (*Config, error) {
	v := viper.New()

	// Defaults for everything that has a sensible one. Secrets and
	// connection strings have no default and must be provided.
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	// Registered empty so AutomaticEnv can populate them; validation
	// rejects the empty values.
	v.SetDefault("database.url", "")
	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("queue.content_workers", 3)
	v.SetDefault("queue.enrichment_workers", 3)
	v.SetDefault("queue.automation_workers", 2)
	v.SetDefault("queue.poll_interval_ms", 2000)
	v.SetDefault("queue.default_timeout_ms", 30*60*1000)
	v.SetDefault("queue.watchdog_interval_ms", 5000)
	v.SetDefault("queue.backfill_cron", "")
	v.SetDefault("queue.auto_start", true)
	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay_seconds", 2)
	v.SetDefault("engines.extractor_url", "http://localhost:8091")
	v.SetDefault("engines.embedder_url", "http://localhost:8092")
	v.SetDefault("engines.connector_url", "http://localhost:8093")
	v.SetDefault("engines.max_retries", 2)

	// Optional config file.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables: GAI_SERVER_PORT overrides server.port etc.
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	// Defaults keep a development setup runnable with nothing but the
	// database URL and redis address set. Every key gets a default, even
	// an empty one, so the environment lookup below knows about it.
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("database.url", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("queue.stream", "chainq:tasks")
	v.SetDefault("queue.group", "chainq-workers")
	v.SetDefault("queue.capacity", 10000)
	v.SetDefault("queue.lock_ttl", "2s")
	v.SetDefault("queue.poll_interval", "500ms")
	v.SetDefault("queue.log_buffer_ttl", "24h")
	v.SetDefault("queue.purge_interval", "1h")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("scheduler.tick_interval", "30s")

	// An optional chainq.yaml in the working directory is read first;
	// environment variables override it.
	v.SetConfigName("chainq")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables use the CHAINQ_ prefix with underscores for
	// nesting, e.g. CHAINQ_SERVER_PORT for server.port.
	v.SetEnvPrefix("CHAINQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateConfig applies the struct validation tags.
func validateConfig(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

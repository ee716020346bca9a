package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Redis     RedisConfig     `mapstructure:"redis" validate:"required"`
	Queue     QueueConfig     `mapstructure:"queue" validate:"required"`
	Worker    WorkerConfig    `mapstructure:"worker" validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" validate:"required"`
}

// ServerConfig contains the status endpoint and logging settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
	// Add other DB settings as needed (e.g., pool size)
}

// RedisConfig locates the redis instance backing the distributed locks,
// the log buffers and the message channel.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// QueueConfig tunes the task queue core.
type QueueConfig struct {
	// Stream and Group name the channel workers consume from.
	Stream string `mapstructure:"stream" validate:"required"`
	Group  string `mapstructure:"group" validate:"required"`

	// Capacity bounds the channel backlog; submissions beyond it park the
	// task in retry instead of publishing.
	Capacity int64 `mapstructure:"capacity" validate:"required,gt=0"`

	// LockTTL is how long a submission lock is held at most.
	LockTTL time.Duration `mapstructure:"lock_ttl" validate:"required,gt=0"`

	// PollInterval paces blocking waits on task completion.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required,gt=0"`

	// LogBufferTTL bounds how long a task tree's live log buffer survives
	// in redis after its last write.
	LogBufferTTL time.Duration `mapstructure:"log_buffer_ttl" validate:"required,gt=0"`

	// PurgeInterval paces the reaping of done task records past their
	// result expiry.
	PurgeInterval time.Duration `mapstructure:"purge_interval" validate:"required,gt=0"`
}

// WorkerConfig tunes task execution.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency" validate:"required,gt=0"`
}

// SchedulerConfig tunes the repeating task scheduler.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"required,gt=0"`
}

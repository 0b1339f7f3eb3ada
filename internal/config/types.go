package config

import "time"

// RetryConfig is the default retry policy applied to tasks that do not carry one.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff" yaml:"backoff"`       // Base delay before the first retry
	Multiplier  float64       `mapstructure:"multiplier" yaml:"multiplier"` // Growth factor per retry
}

// EngineConfig controls the task engine scheduler and its simulated executor.
type EngineConfig struct {
	MaxConcurrent  int           `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	StepCount      int           `mapstructure:"step_count" yaml:"step_count"`       // Progress steps per execution
	StepInterval   time.Duration `mapstructure:"step_interval" yaml:"step_interval"` // Simulated duration of one step
	Retry          RetryConfig   `mapstructure:"retry" yaml:"retry"`
}

// MemoryConfig selects the external memory backend behind the local cache.
type MemoryConfig struct {
	Backend         string        `mapstructure:"backend" yaml:"backend"` // "none" or "sqlite"
	Path            string        `mapstructure:"path" yaml:"path"`
	BreakerFailures uint32        `mapstructure:"breaker_failures" yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" yaml:"breaker_timeout"`
	WriteRetries    uint64        `mapstructure:"write_retries" yaml:"write_retries"` // Backend write retries before giving up
	WriteBackoff    time.Duration `mapstructure:"write_backoff" yaml:"write_backoff"`
}

// CoordinatorConfig controls the task coordinator.
type CoordinatorConfig struct {
	SessionID          string `mapstructure:"session_id" yaml:"session_id"`
	MemoryCoordination bool   `mapstructure:"memory_coordination" yaml:"memory_coordination"`
	CoordinatorPool    int    `mapstructure:"coordinator_pool" yaml:"coordinator_pool"` // Coordinators used by the distributed topology
	MaxParallel        int    `mapstructure:"max_parallel" yaml:"max_parallel"`         // Concurrent agent launches and batch operations
}

// LoggerConfig configures the zap logger.
type LoggerConfig struct {
	Level            string   `mapstructure:"level" yaml:"level"`
	Encoding         string   `mapstructure:"encoding" yaml:"encoding"` // "console" or "json"
	OutputPaths      []string `mapstructure:"output_paths" yaml:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths" yaml:"error_output_paths"`
}

// OrchestratorConfig is the top-level configuration.
type OrchestratorConfig struct {
	Engine      EngineConfig      `mapstructure:"engine" yaml:"engine"`
	Memory      MemoryConfig      `mapstructure:"memory" yaml:"memory"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Logger      LoggerConfig      `mapstructure:"logger" yaml:"logger"`
}

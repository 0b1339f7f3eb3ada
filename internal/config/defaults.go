package config

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Engine: EngineConfig{
			MaxConcurrent:  4,
			DefaultTimeout: 300 * time.Second,
			StepCount:      10,
			StepInterval:   100 * time.Millisecond,
			Retry: RetryConfig{
				MaxAttempts: 3,
				Backoff:     time.Second,
				Multiplier:  2,
			},
		},
		Memory: MemoryConfig{
			Backend:         "none",
			Path:            ".swarmcore/memory.db",
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
			WriteRetries:    2,
			WriteBackoff:    50 * time.Millisecond,
		},
		Coordinator: CoordinatorConfig{
			MemoryCoordination: true,
			CoordinatorPool:    3,
			MaxParallel:        8,
		},
		Logger: LoggerConfig{
			Level:            "info",
			Encoding:         "console",
			OutputPaths:      []string{"stderr"},
			ErrorOutputPaths: []string{"stderr"},
		},
	}
}

// setDefaults registers every DefaultConfig value with viper so partial
// files only override the keys they mention.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("engine.max_concurrent", d.Engine.MaxConcurrent)
	v.SetDefault("engine.default_timeout", d.Engine.DefaultTimeout)
	v.SetDefault("engine.step_count", d.Engine.StepCount)
	v.SetDefault("engine.step_interval", d.Engine.StepInterval)
	v.SetDefault("engine.retry.max_attempts", d.Engine.Retry.MaxAttempts)
	v.SetDefault("engine.retry.backoff", d.Engine.Retry.Backoff)
	v.SetDefault("engine.retry.multiplier", d.Engine.Retry.Multiplier)

	v.SetDefault("memory.backend", d.Memory.Backend)
	v.SetDefault("memory.path", d.Memory.Path)
	v.SetDefault("memory.breaker_failures", d.Memory.BreakerFailures)
	v.SetDefault("memory.breaker_timeout", d.Memory.BreakerTimeout)
	v.SetDefault("memory.write_retries", d.Memory.WriteRetries)
	v.SetDefault("memory.write_backoff", d.Memory.WriteBackoff)

	v.SetDefault("coordinator.session_id", d.Coordinator.SessionID)
	v.SetDefault("coordinator.memory_coordination", d.Coordinator.MemoryCoordination)
	v.SetDefault("coordinator.coordinator_pool", d.Coordinator.CoordinatorPool)
	v.SetDefault("coordinator.max_parallel", d.Coordinator.MaxParallel)

	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.encoding", d.Logger.Encoding)
	v.SetDefault("logger.output_paths", d.Logger.OutputPaths)
	v.SetDefault("logger.error_output_paths", d.Logger.ErrorOutputPaths)
}

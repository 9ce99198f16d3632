// internal/workers/entitlement/apply-pass-event/config.go
package applypassevent

import (
	"time"

	"entitlement-delivery/internal/common/config"
)

type Config struct {
	Timeout time.Duration
}

func LoadConfig(cfg *config.Config) *Config {
	wc := config.GetWorkerConfig(cfg, TaskType)
	return &Config{
		Timeout: config.GetDuration(wc.Timeout),
	}
}

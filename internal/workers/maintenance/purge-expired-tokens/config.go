// internal/workers/maintenance/purge-expired-tokens/config.go
package purgeexpiredtokens

import (
	"time"

	"entitlement-delivery/internal/common/config"
)

type Config struct {
	Timeout   time.Duration
	Retention time.Duration
	BatchSize int
	MaxRounds int
}

func LoadConfig(cfg *config.Config) *Config {
	wc := config.GetWorkerConfig(cfg, TaskType)
	return &Config{
		Timeout:   config.GetDuration(wc.Timeout),
		Retention: time.Duration(cfg.Tokens.RetentionHours) * time.Hour,
		BatchSize: 500,
		MaxRounds: 20,
	}
}

package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "ICE_"

// FromEnv overlays ICE_* environment variables onto cfg; unset variables
// leave the existing values alone. Nested sections use their own prefix,
// e.g. ICE_REDIS_ADDR, ICE_QUEUE_TTR_MS, ICE_QUEUE_TOPICS=a,b.
func FromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("read %s* environment: %w", EnvPrefix, err)
	}
	return nil
}

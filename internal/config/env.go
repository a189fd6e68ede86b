package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are applied on top of the file. Unset variables keep the file value.
type envOverrides struct {
	TelegramToken string  `env:"TELEGRAM_TOKEN"`
	OwnerUserIDs  []int64 `env:"OWNER_USER_IDS" envSeparator:","`
	LogLevel      string  `env:"LOG_LEVEL"`
	StorageDriver string  `env:"STORAGE_DRIVER"`
	StoragePath   string  `env:"STORAGE_PATH"`
}

const envPrefix = "PROCBOT_"

func applyEnv(cfg *Config, environ map[string]string) error {
	var o envOverrides
	opts := env.Options{Prefix: envPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return err
	}
	if s := strings.TrimSpace(o.TelegramToken); s != "" {
		cfg.Telegram.Token = s
	}
	if len(o.OwnerUserIDs) > 0 {
		cfg.Telegram.OwnerUserIDs = o.OwnerUserIDs
	}
	if s := strings.TrimSpace(o.LogLevel); s != "" {
		cfg.Logging.Level = s
	}
	if s := strings.TrimSpace(o.StorageDriver); s != "" {
		cfg.Storage.Driver = s
	}
	if s := strings.TrimSpace(o.StoragePath); s != "" {
		cfg.Storage.Path = s
	}
	return nil
}

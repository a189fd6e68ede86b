package app

import (
	"procbot/internal/config"
	"procbot/internal/process"
	"procbot/internal/storage"
	kit "procbot/internal/transport"
	logx "procbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:       sc.Driver,
		Path:         sc.Path,
		BusyTimeout:  sc.BusyTimeoutDuration(),
		CompactEvery: sc.CompactEvery,
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:    lc.File.Enabled,
			Path:       lc.File.Path,
			MaxSizeMB:  lc.File.MaxSizeMB,
			MaxBackups: lc.File.MaxBackups,
			MaxAgeDays: lc.File.MaxAgeDays,
		},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled && cfg.Telegram.LogChatID != 0,
			Target:     kit.ChatTarget{ChatID: cfg.Telegram.LogChatID, ThreadID: lc.Chat.ThreadID},
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}

func mapProcessConfig(cfg *config.Config) process.Config {
	pc := cfg.Processes
	return process.Config{
		MaxPerUser:     pc.MaxPerUser,
		MaxPID:         pc.MaxPID,
		EvictGrace:     pc.EvictGraceDuration(),
		DefaultTimeout: pc.DefaultTimeoutDuration(),
		Ratelimits:     cfg.Commands.RatelimitDelays(),
	}
}

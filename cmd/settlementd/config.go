package main

import (
	"time"

	"github.com/tasklane/settlement/internal/dbconfig"
	"github.com/tasklane/settlement/internal/outbox"
)

// AppConfig collects everything the worker process reads from the
// environment. Queue topology lives in its own YAML file.
type AppConfig struct {
	HTTPAddr        string
	NATSURL         string
	QueueConfigPath string
	LogLevel        string

	DB     dbconfig.Config
	Poller outbox.Config

	// EffectStaleAfter is the executor staleness threshold for long-running
	// channels.
	EffectStaleAfter time.Duration
}

func loadConfig() AppConfig {
	cfg := AppConfig{
		HTTPAddr:         dbconfig.GetEnv("HTTP_ADDR", ":8080"),
		NATSURL:          dbconfig.GetEnv("NATS_URL", "nats://localhost:4222"),
		QueueConfigPath:  dbconfig.GetEnv("QUEUE_CONFIG", ""),
		LogLevel:         dbconfig.GetEnv("LOG_LEVEL", "info"),
		DB:               dbconfig.NewConfigFromEnv(),
		Poller:           outbox.DefaultConfig(),
		EffectStaleAfter: dbconfig.GetEnvDuration("EFFECT_STALE_AFTER", 10*time.Minute),
	}
	cfg.Poller.PollInterval = dbconfig.GetEnvDuration("OUTBOX_POLL_INTERVAL", cfg.Poller.PollInterval)
	cfg.Poller.BatchSize = int32(dbconfig.GetEnvInt("OUTBOX_BATCH_SIZE", int(cfg.Poller.BatchSize)))
	cfg.Poller.RetryFailedAfter = dbconfig.GetEnvDuration("OUTBOX_RETRY_FAILED_AFTER", cfg.Poller.RetryFailedAfter)
	return cfg
}

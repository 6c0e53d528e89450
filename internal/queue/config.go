package queue

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueConfig describes one named queue: its own concurrency limit, retry
// count and backoff curve. Each queue is an isolated failure domain.
type QueueConfig struct {
	Name        string          `yaml:"name"`
	Concurrency int             `yaml:"concurrency"`
	MaxDeliver  int             `yaml:"max_deliver"`
	AckWait     time.Duration   `yaml:"ack_wait"`
	Backoff     []time.Duration `yaml:"backoff"`
}

// UnmarshalYAML parses durations from strings like "30s". yaml.v3 cannot
// decode into time.Duration on its own.
func (q *QueueConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Name        string   `yaml:"name"`
		Concurrency int      `yaml:"concurrency"`
		MaxDeliver  int      `yaml:"max_deliver"`
		AckWait     string   `yaml:"ack_wait"`
		Backoff     []string `yaml:"backoff"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	q.Name = raw.Name
	q.Concurrency = raw.Concurrency
	q.MaxDeliver = raw.MaxDeliver
	if raw.AckWait != "" {
		d, err := time.ParseDuration(raw.AckWait)
		if err != nil {
			return fmt.Errorf("queue %q: invalid ack_wait: %w", raw.Name, err)
		}
		q.AckWait = d
	}
	q.Backoff = nil
	for _, s := range raw.Backoff {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("queue %q: invalid backoff step %q: %w", raw.Name, s, err)
		}
		q.Backoff = append(q.Backoff, d)
	}
	return nil
}

// Config is the queue topology for one worker process.
type Config struct {
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Queues        []QueueConfig `yaml:"queues"`
}

func DefaultConfig() Config {
	return Config{
		Stream:        "SETTLEMENT_JOBS",
		SubjectPrefix: "jobs",
		Queues: []QueueConfig{
			{
				Name:        QueuePayments,
				Concurrency: 1,
				MaxDeliver:  5,
				AckWait:     30 * time.Second,
				Backoff:     []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute},
			},
			{
				Name:        QueueNotifications,
				Concurrency: 8,
				MaxDeliver:  5,
				AckWait:     30 * time.Second,
				Backoff:     []time.Duration{time.Second, 10 * time.Second, time.Minute},
			},
			{
				Name:        QueueExports,
				Concurrency: 2,
				MaxDeliver:  3,
				AckWait:     5 * time.Minute,
				Backoff:     []time.Duration{10 * time.Second, time.Minute},
			},
		},
	}
}

// LoadConfig reads the queue topology from a YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read queue config: %w", err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse queue config: %w", err)
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultConfig().Stream
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the topology rules. The payments queue must run at
// concurrency 1: money-moving operations rely on strict per-process ordering,
// everything else relies on idempotency instead.
func (c Config) Validate() error {
	if len(c.Queues) == 0 {
		return fmt.Errorf("queue config declares no queues")
	}
	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			return fmt.Errorf("queue with empty name")
		}
		if seen[q.Name] {
			return fmt.Errorf("duplicate queue %q", q.Name)
		}
		seen[q.Name] = true
		if q.Concurrency <= 0 {
			return fmt.Errorf("queue %q: concurrency must be positive", q.Name)
		}
		if q.Name == QueuePayments && q.Concurrency != 1 {
			return fmt.Errorf("queue %q: concurrency must be 1 to preserve ordering", q.Name)
		}
		if q.MaxDeliver <= 0 {
			return fmt.Errorf("queue %q: max_deliver must be positive", q.Name)
		}
	}
	return nil
}

func (c Config) queue(name string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}

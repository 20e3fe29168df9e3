package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Broker      BrokerConfig      `koanf:"broker"`
	Database    DatabaseConfig    `koanf:"database"`
	Redis       RedisConfig       `koanf:"redis"`
	Publisher   PublisherConfig   `koanf:"publisher"`
	Subscriber  SubscriberConfig  `koanf:"subscriber"`
	SelfHealing SelfHealingConfig `koanf:"self_healing"`
}

type BrokerConfig struct {
	Region  string `koanf:"region"`
	BusName string `koanf:"bus_name"`

	// PublishRate caps broker publish throughput (entries per second).
	PublishRate int `koanf:"publish_rate"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type PublisherConfig struct {
	EnableReplay          bool `koanf:"enable_replay"`
	EnableDeadLetterQueue bool `koanf:"enable_dead_letter_queue"`
	RetryAttempts         int  `koanf:"retry_attempts"`

	// BatchSize is the broker dispatch chunk size for batch publishes.
	BatchSize int `koanf:"batch_size"`
}

type SubscriberConfig struct {
	PollInterval   time.Duration `koanf:"poll_interval"`
	ReceiveBatch   int           `koanf:"receive_batch"`
	ReceiveWait    time.Duration `koanf:"receive_wait"`
	AckOnFailure   bool          `koanf:"ack_on_failure"`
	MaxAttempts    int           `koanf:"max_attempts"`
	DeadLetterSize int           `koanf:"dead_letter_size"`
}

type SelfHealingConfig struct {
	Enabled                bool       `koanf:"enabled"`
	AutonomyLevel          int        `koanf:"autonomy_level"`
	StorySessionProtection bool       `koanf:"story_session_protection"`
	AllowedTimeWindow      TimeWindow `koanf:"allowed_time_window"`
	MaxActionsPerHour      int        `koanf:"max_actions_per_hour"`
	LearningThreshold      int        `koanf:"learning_threshold"`
}

// TimeWindow is a [Start, End) range of hours during which autonomous
// actions are allowed.
type TimeWindow struct {
	Start int `koanf:"start"`
	End   int `koanf:"end"`
}

// Contains reports whether the hour falls inside the window. A window that
// wraps midnight (Start > End) is honored.
func (w TimeWindow) Contains(hour int) bool {
	if w.Start == w.End {
		return false
	}
	if w.Start < w.End {
		return hour >= w.Start && hour < w.End
	}
	return hour >= w.Start || hour < w.End
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Broker: BrokerConfig{
			Region:      "us-east-1",
			BusName:     "storyforge-events",
			PublishRate: 1000,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Publisher: PublisherConfig{
			EnableReplay:          true,
			EnableDeadLetterQueue: true,
			RetryAttempts:         3,
			BatchSize:             10,
		},
		Subscriber: SubscriberConfig{
			PollInterval:   time.Second,
			ReceiveBatch:   10,
			ReceiveWait:    200 * time.Millisecond,
			AckOnFailure:   true,
			MaxAttempts:    3,
			DeadLetterSize: 1000,
		},
		SelfHealing: SelfHealingConfig{
			Enabled:                true,
			AutonomyLevel:          2,
			StorySessionProtection: true,
			AllowedTimeWindow:      TimeWindow{Start: 0, End: 24},
			MaxActionsPerHour:      10,
			LearningThreshold:      3,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	} else {
		_ = k.Load(file.Provider("configs/config.yaml"), yaml.Parser())
	}

	// Override with environment variables
	if err := k.Load(env.Provider("EB_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "EB_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

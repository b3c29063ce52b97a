package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/trenches/internal/core/domain"
)

// Load reads configuration from a YAML file. Any validation failure is
// reported as domain.ErrConfiguration; the process must not start with it.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates YAML configuration.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.ScanLogRetention == 0 {
		cfg.ScanLogRetention = 30 * 24 * time.Hour
	}

	if cfg.Scanner.UserCooldown == 0 {
		cfg.Scanner.UserCooldown = 30 * time.Second
	}
	if cfg.Scanner.UserLookbackBlocks == 0 {
		cfg.Scanner.UserLookbackBlocks = 5000
	}

	if cfg.Tracker.Interval == 0 {
		cfg.Tracker.Interval = 15 * time.Second
	}
	if cfg.Tracker.LockTTL == 0 {
		cfg.Tracker.LockTTL = 2 * time.Minute
	}
	if cfg.Tracker.BatchSize == 0 {
		cfg.Tracker.BatchSize = 500
	}

	p := &cfg.Payout
	if p.HardCap == 0 {
		p.HardCap = 8
	}
	if p.BatchSize == 0 {
		p.BatchSize = p.HardCap
	}
	if p.Schedule == 0 {
		p.Schedule = time.Minute
	}
	if p.Interval == 0 {
		p.Interval = 2 * time.Second
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.LockTTL == 0 {
		p.LockTTL = 5 * time.Minute
	}
	if p.ConfirmTimeout == 0 {
		p.ConfirmTimeout = 30 * time.Second
	}
	if p.SubmitTimeout == 0 {
		p.SubmitTimeout = 30 * time.Minute
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 4
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = 500 * time.Millisecond
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 10 * time.Second
	}

	for i := range cfg.Chains {
		ch := &cfg.Chains[i]
		if ch.ScanInterval == 0 {
			ch.ScanInterval = 10 * time.Second
		}
		if ch.LogRangeLimit == 0 {
			ch.LogRangeLimit = 1000
		}
		if ch.ReorgWatchWindow == 0 {
			ch.ReorgWatchWindow = ch.SafeConfirmations * 2
		}
		if ch.TxGracePeriod == 0 {
			ch.TxGracePeriod = 10 * time.Minute
		}
	}
}

// Package config loads and validates crawl agent configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config captures all agent configuration knobs loaded via Viper.
type Config struct {
	ProjectID       string          `mapstructure:"project_id"`
	CredentialsPath string          `mapstructure:"credentials_path"`
	Logging         LoggingConfig   `mapstructure:"logging"`
	Defaults        Defaults        `mapstructure:"defaults"`
	Database        DatabaseConfig  `mapstructure:"database"`
	Artifacts       ArtifactsConfig `mapstructure:"artifacts"`
	Ops             OpsConfig       `mapstructure:"ops"`
	Subscriptions   []Subscription  `mapstructure:"subscriptions"`

	// Older deployments configure a single subscription with its fields at
	// the top level. Honored only when subscriptions is empty.
	Subscription `mapstructure:",squash"`
}

// LoggingConfig toggles zap development features and the per-subscription
// log file directory. An empty dir keeps logs on the console only.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Dir         string `mapstructure:"dir"`
}

// Defaults are inherited by every subscription that does not override them.
type Defaults struct {
	RetryTopic    string `mapstructure:"retry_topic"`
	MaxRetries    int    `mapstructure:"max_retries"`
	QueueDir      string `mapstructure:"queue_dir"`
	PendingBuffer int    `mapstructure:"pending_buffer"`
}

// DatabaseConfig controls the failure sink. An empty DSN disables it.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	Migrate  bool   `mapstructure:"migrate"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ArtifactsConfig controls failure artifact uploads. An empty bucket
// disables them.
type ArtifactsConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// OpsConfig controls the operational HTTP surface.
type OpsConfig struct {
	Port int `mapstructure:"port"`
}

// Subscription configures one worker. Unset fields fall back to Defaults.
type Subscription struct {
	SubscriptionName string   `mapstructure:"subscription_name"`
	RetryTopic       string   `mapstructure:"retry_topic"`
	MaxRetries       *int     `mapstructure:"max_retries"`
	QueueDir         string   `mapstructure:"queue_dir"`
	WorkingDir       string   `mapstructure:"working_dir"`
	ExecutablePath   string   `mapstructure:"executable_path"`
	BaseArgs         []string `mapstructure:"base_args"`
	ExtraArgs        []string `mapstructure:"extra_args"`
}

// Worker is one subscription resolved against the defaults. StagingDir is
// already suffixed with the subscription name so workers never share a
// directory.
type Worker struct {
	Subscription  string
	RetryTopic    string
	MaxRetries    int
	StagingDir    string
	WorkingDir    string
	Executable    string
	BaseArgs      []string
	ExtraArgs     []string
	PendingBuffer int
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLAGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("defaults.max_retries", 3)
	v.SetDefault("defaults.queue_dir", "/var/lib/crawlagent/queue")
	v.SetDefault("defaults.pending_buffer", 64)
	v.SetDefault("database.table", "crawler_error_logs")
	v.SetDefault("database.migrate", false)
	v.SetDefault("ops.port", 9090)
	v.SetDefault("artifacts.prefix", "failures")
}

// Workers resolves every subscription against the defaults. With no
// subscriptions list it falls back to the top-level single-subscription
// layout.
func (c Config) Workers() []Worker {
	subs := c.Subscriptions
	if len(subs) == 0 && c.Subscription.SubscriptionName != "" {
		subs = []Subscription{c.Subscription}
	}

	workers := make([]Worker, 0, len(subs))
	for _, sub := range subs {
		w := Worker{
			Subscription:  sub.SubscriptionName,
			RetryTopic:    c.Defaults.RetryTopic,
			MaxRetries:    c.Defaults.MaxRetries,
			WorkingDir:    sub.WorkingDir,
			Executable:    sub.ExecutablePath,
			BaseArgs:      sub.BaseArgs,
			ExtraArgs:     sub.ExtraArgs,
			PendingBuffer: c.Defaults.PendingBuffer,
		}
		if sub.RetryTopic != "" {
			w.RetryTopic = sub.RetryTopic
		}
		if sub.MaxRetries != nil {
			w.MaxRetries = *sub.MaxRetries
		}
		queueDir := c.Defaults.QueueDir
		if sub.QueueDir != "" {
			queueDir = sub.QueueDir
		}
		w.StagingDir = filepath.Join(queueDir, sub.SubscriptionName)
		workers = append(workers, w)
	}
	return workers
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if c.Defaults.QueueDir == "" {
		return fmt.Errorf("defaults.queue_dir is required")
	}
	if c.Defaults.PendingBuffer <= 0 {
		return fmt.Errorf("defaults.pending_buffer must be > 0")
	}
	if c.Ops.Port <= 0 {
		return fmt.Errorf("ops.port must be > 0")
	}

	workers := c.Workers()
	if len(workers) == 0 {
		return fmt.Errorf("at least one subscription is required")
	}
	seen := make(map[string]struct{}, len(workers))
	for _, w := range workers {
		if w.Subscription == "" {
			return fmt.Errorf("subscription_name is required")
		}
		if _, dup := seen[w.Subscription]; dup {
			return fmt.Errorf("duplicate subscription %q", w.Subscription)
		}
		seen[w.Subscription] = struct{}{}
		if w.Executable == "" {
			return fmt.Errorf("executable_path is required for subscription %q", w.Subscription)
		}
		if w.MaxRetries < 0 {
			return fmt.Errorf("max_retries must be >= 0 for subscription %q", w.Subscription)
		}
	}

	if c.Database.Migrate && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when database.migrate is set")
	}
	return nil
}

// Package config loads stackrunnerd's daemon configuration: database paths,
// Neo4j connection info, polling/lease tuning, and the HTTP listen address.
// Layering is built-in defaults, then an optional YAML file, then environment
// overrides, each layer only overriding what the one before it actually set
// (viper's own precedence order).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is stackrunnerd's full runtime configuration.
type Config struct {
	CatalogPath            string        `mapstructure:"catalog_path"`
	StackDBPath            string        `mapstructure:"stack_db_path"`
	TaskQueueDBPath        string        `mapstructure:"task_queue_db_path"`
	CascadeDBPath          string        `mapstructure:"cascade_db_path"`
	ControlFlagDBPath      string        `mapstructure:"control_flag_db_path"`
	Neo4jURI               string        `mapstructure:"neo4j_uri"`
	Neo4jUser              string        `mapstructure:"neo4j_user"`
	Neo4jPassword          string        `mapstructure:"neo4j_password"`
	PollInterval           time.Duration `mapstructure:"poll_interval"`
	MaxPollBackoff         time.Duration `mapstructure:"max_poll_backoff"`
	LeaseDuration          time.Duration `mapstructure:"lease_duration"`
	ShutdownGrace          time.Duration `mapstructure:"shutdown_grace"`
	WorkerID               string        `mapstructure:"worker_id"`
	WorkerCount            int           `mapstructure:"worker_count"`
	KillSwitchPollInterval time.Duration `mapstructure:"kill_switch_poll_interval"`
	CascadeCronExpr        string        `mapstructure:"cascade_cron_expr"`
	HTTPAddr               string        `mapstructure:"http_addr"`
}

// Default returns the baseline configuration every layer builds on.
func Default() Config {
	return Config{
		CatalogPath:            "./catalog",
		StackDBPath:            "./data/stackrunner.db",
		TaskQueueDBPath:        "./data/stackrunner.db",
		CascadeDBPath:          "./data/stackrunner.db",
		ControlFlagDBPath:      "./data/stackrunner.db",
		Neo4jURI:               "bolt://localhost:7687",
		Neo4jUser:              "neo4j",
		PollInterval:           500 * time.Millisecond,
		MaxPollBackoff:         10 * time.Second,
		LeaseDuration:          2 * time.Minute,
		ShutdownGrace:          2 * time.Minute,
		WorkerCount:            1,
		KillSwitchPollInterval: 5 * time.Second,
		CascadeCronExpr:        "@every 30s",
		HTTPAddr:               ":8088",
	}
}

// Load reads configPath (if non-empty and present) over the defaults, then
// applies STACKRUNNER_-prefixed environment overrides. A missing configPath
// is not an error: the daemon runs on defaults plus environment alone.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("STACKRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range configKeys {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}
	return cfg, nil
}

var configKeys = []string{
	"catalog_path", "stack_db_path", "task_queue_db_path", "cascade_db_path",
	"control_flag_db_path", "neo4j_uri", "neo4j_user", "neo4j_password",
	"poll_interval", "max_poll_backoff", "lease_duration", "shutdown_grace",
	"worker_id", "worker_count", "kill_switch_poll_interval", "cascade_cron_expr",
	"http_addr",
}

// defaultWorkerID is a stable host+pid worker identity, used when the
// operator does not supply one explicitly.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("catalog_path", d.CatalogPath)
	v.SetDefault("stack_db_path", d.StackDBPath)
	v.SetDefault("task_queue_db_path", d.TaskQueueDBPath)
	v.SetDefault("cascade_db_path", d.CascadeDBPath)
	v.SetDefault("control_flag_db_path", d.ControlFlagDBPath)
	v.SetDefault("neo4j_uri", d.Neo4jURI)
	v.SetDefault("neo4j_user", d.Neo4jUser)
	v.SetDefault("neo4j_password", d.Neo4jPassword)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("max_poll_backoff", d.MaxPollBackoff)
	v.SetDefault("lease_duration", d.LeaseDuration)
	v.SetDefault("shutdown_grace", d.ShutdownGrace)
	v.SetDefault("worker_id", d.WorkerID)
	v.SetDefault("worker_count", d.WorkerCount)
	v.SetDefault("kill_switch_poll_interval", d.KillSwitchPollInterval)
	v.SetDefault("cascade_cron_expr", d.CascadeCronExpr)
	v.SetDefault("http_addr", d.HTTPAddr)
}

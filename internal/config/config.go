package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ignatij/leadflow/internal/channel"
	"github.com/ignatij/leadflow/pkg/service"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the configuration of the leadflow binaries.
type Config struct {
	Database struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Server struct {
		Port            int           `mapstructure:"port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Engine struct {
		MaxTransitions         int           `mapstructure:"max_transitions"`
		MaxNodeVisits          int           `mapstructure:"max_node_visits"`
		DispatchMaxAttempts    int           `mapstructure:"dispatch_max_attempts"`
		DispatchInitialBackoff time.Duration `mapstructure:"dispatch_initial_backoff"`
		DispatchMaxBackoff     time.Duration `mapstructure:"dispatch_max_backoff"`
		DispatchTimeout        time.Duration `mapstructure:"dispatch_timeout"`
		LeaseTTL               time.Duration `mapstructure:"lease_ttl"`
		LeaseWait              time.Duration `mapstructure:"lease_wait"`
		InstanceID             string        `mapstructure:"instance_id"`
	} `mapstructure:"engine"`
	Scheduler struct {
		Workers        int           `mapstructure:"workers"`
		PollInterval   time.Duration `mapstructure:"poll_interval"`
		BatchSize      int           `mapstructure:"batch_size"`
		ClaimTTL       time.Duration `mapstructure:"claim_ttl"`
		MaxJobAttempts int           `mapstructure:"max_job_attempts"`
	} `mapstructure:"scheduler"`
	Channels struct {
		Messaging channel.Config `mapstructure:"messaging"`
		Voice     channel.Config `mapstructure:"voice"`
	} `mapstructure:"channels"`
	// Labels are the default template labels of every organization.
	Labels map[string]string `mapstructure:"labels"`
	Log    struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("engine.max_transitions", service.DefaultMaxTransitions)
	v.SetDefault("engine.max_node_visits", 0)
	v.SetDefault("engine.dispatch_max_attempts", service.DefaultDispatchMaxAttempts)
	v.SetDefault("engine.dispatch_initial_backoff", service.DefaultDispatchInitialBackoff)
	v.SetDefault("engine.dispatch_max_backoff", service.DefaultDispatchMaxBackoff)
	v.SetDefault("engine.dispatch_timeout", service.DefaultDispatchTimeout)
	v.SetDefault("engine.lease_ttl", service.DefaultLeaseTTL)
	v.SetDefault("engine.lease_wait", service.DefaultLeaseWait)
	v.SetDefault("engine.instance_id", "")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.poll_interval", service.DefaultPollInterval)
	v.SetDefault("scheduler.batch_size", service.DefaultBatchSize)
	v.SetDefault("scheduler.claim_ttl", service.DefaultClaimTTL)
	v.SetDefault("scheduler.max_job_attempts", service.DefaultMaxJobAttempts)
	for _, ch := range []string{"messaging", "voice"} {
		v.SetDefault("channels."+ch+".base_url", "")
		v.SetDefault("channels."+ch+".token", "")
		v.SetDefault("channels."+ch+".rate_per_second", 10.0)
		v.SetDefault("channels."+ch+".burst", 5)
		v.SetDefault("channels."+ch+".timeout", 15*time.Second)
	}
	v.SetDefault("labels", map[string]string{"appointment": "appointment"})
	v.SetDefault("log.level", "")
}

// Load reads .env, then the optional config file, then LEADFLOW_* variables.
// An empty path searches for config.yaml in . and ./config.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("leadflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "postgres" {
		cfg.Database.DSN = dsnFromEnv()
	}
	return &cfg, nil
}

// dsnFromEnv builds a PostgreSQL URL from the DB_* variables, if all are set.
func dsnFromEnv() string {
	user, pass := os.Getenv("DB_USERNAME"), os.Getenv("DB_PASSWORD")
	host, port, name := os.Getenv("DB_HOST"), os.Getenv("DB_PORT"), os.Getenv("DB_NAME")
	if user == "" || pass == "" || host == "" || port == "" || name == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
}

func (c *Config) EngineConfig() service.EngineConfig {
	return service.EngineConfig{
		MaxTransitions:         c.Engine.MaxTransitions,
		MaxNodeVisits:          c.Engine.MaxNodeVisits,
		DispatchMaxAttempts:    c.Engine.DispatchMaxAttempts,
		DispatchInitialBackoff: c.Engine.DispatchInitialBackoff,
		DispatchMaxBackoff:     c.Engine.DispatchMaxBackoff,
		DispatchTimeout:        c.Engine.DispatchTimeout,
		LeaseTTL:               c.Engine.LeaseTTL,
		LeaseWait:              c.Engine.LeaseWait,
		InstanceID:             c.Engine.InstanceID,
	}
}

func (c *Config) SchedulerConfig() service.SchedulerConfig {
	return service.SchedulerConfig{
		Workers:        c.Scheduler.Workers,
		PollInterval:   c.Scheduler.PollInterval,
		BatchSize:      c.Scheduler.BatchSize,
		ClaimTTL:       c.Scheduler.ClaimTTL,
		MaxJobAttempts: c.Scheduler.MaxJobAttempts,
	}
}

package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database      DbSettings        `mapstructure:"database"`
	Log           LogSettings       `mapstructure:"log"`
	Publisher     PublisherSettings `mapstructure:"publisher"`
	Consumer      ConsumerSettings  `mapstructure:"consumer"`
	Bridge        BridgeSettings    `mapstructure:"bridge"`
	Observability Observability     `mapstructure:"observability"`
}

type PublisherSettings struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size" validate:"min=1"`
	MaxRetries   int           `mapstructure:"max_retries" validate:"min=1"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"` // initial backoff duration
}

type ConsumerSettings struct {
	GroupID           string             `mapstructure:"group_id" validate:"required"`
	Topics            []string           `mapstructure:"topics" validate:"min=1"`
	PollInterval      time.Duration      `mapstructure:"poll_interval"`
	FetchMaxBatch     int                `mapstructure:"fetch_max_batch" validate:"min=1"`
	HeartbeatInterval time.Duration      `mapstructure:"heartbeat_interval"`
	SessionTimeout    time.Duration      `mapstructure:"session_timeout"`
	MaxAttempts       int                `mapstructure:"max_attempts" validate:"min=1"` // attempts before dead-lettering
	Projection        ProjectionSettings `mapstructure:"projection"`
}

type ProjectionSettings struct {
	Type      string `mapstructure:"type" validate:"oneof=memory redis"`
	RedisAddr string `mapstructure:"redis_addr"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Consumer.HeartbeatInterval >= c.Consumer.SessionTimeout {
		return fmt.Errorf("consumer heartbeat_interval must be shorter than session_timeout")
	}
	return nil
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("changeflow")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "changeflow."+env)
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error merging %s config: %s\n", env, err)
			os.Exit(1)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := cfg.LoadFromEnv(); err != nil {
		log.Fatalf("Failed to load from env: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("CHANGEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like CHANGEFLOW_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.type")
	viper.BindEnv("database.dsn")
	viper.BindEnv("database.uri")
	viper.BindEnv("database.db_name")
	viper.BindEnv("log.partitions")
	viper.BindEnv("log.retention.max_age")
	viper.BindEnv("log.retention.max_bytes")
	viper.BindEnv("publisher.poll_interval")
	viper.BindEnv("publisher.batch_size")
	viper.BindEnv("publisher.max_retries")
	viper.BindEnv("publisher.retry_backoff")
	viper.BindEnv("consumer.group_id")
	viper.BindEnv("consumer.topics")
	viper.BindEnv("consumer.max_attempts")
	viper.BindEnv("consumer.projection.type")
	viper.BindEnv("consumer.projection.redis_addr")
	viper.BindEnv("bridge.type")
	viper.BindEnv("bridge.url")
	viper.BindEnv("bridge.exchange")
	viper.BindEnv("bridge.project_id")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")
	viper.BindEnv("observability.metrics_addr")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("log.partitions", 8)
	viper.SetDefault("log.retention.max_age", "168h")
	viper.SetDefault("log.retention.max_bytes", 0)
	viper.SetDefault("publisher.poll_interval", "1s")
	viper.SetDefault("publisher.batch_size", 100)
	viper.SetDefault("publisher.max_retries", 10)
	viper.SetDefault("publisher.retry_backoff", "500ms")
	viper.SetDefault("consumer.poll_interval", "500ms")
	viper.SetDefault("consumer.fetch_max_batch", 100)
	viper.SetDefault("consumer.heartbeat_interval", "3s")
	viper.SetDefault("consumer.session_timeout", "30s")
	viper.SetDefault("consumer.max_attempts", 5)
	viper.SetDefault("consumer.projection.type", "memory")
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	err := viper.MergeInConfig()
	if err != nil {
		return err
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

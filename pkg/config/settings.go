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
	Broker            BrokerSettings  `mapstructure:"broker"`
	Services          ServiceSettings `mapstructure:"services"`
	Store             StoreSettings   `mapstructure:"store"`
	ProcessingDelay   time.Duration   `mapstructure:"processing_delay"`
	ReconcileInterval time.Duration   `mapstructure:"reconcile_interval"`
	ReconcileAge      time.Duration   `mapstructure:"reconcile_age"`
	ReconcileBatch    int             `mapstructure:"reconcile_batch"`
	HTTPAddr          string          `mapstructure:"http_addr"`
	Observability     Observability   `mapstructure:"observability"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

func LoadFromFile(filePath string) (*Settings, error) {

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	viper.SetConfigType("yaml")
	viper.SetConfigName("worker")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	err := mergeConfig(filePath, "worker."+env)
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
	viper.SetEnvPrefix("FULFILLMENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like FULFILLMENT_BROKER_HOST

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("broker.url")
	viper.BindEnv("broker.host")
	viper.BindEnv("broker.port")
	viper.BindEnv("broker.username")
	viper.BindEnv("broker.password")
	viper.BindEnv("broker.vhost")
	viper.BindEnv("broker.heartbeat")
	viper.BindEnv("broker.connect_timeout")
	viper.BindEnv("broker.reconnect_backoff")
	viper.BindEnv("services.books_url")
	viper.BindEnv("services.orders_url")
	viper.BindEnv("services.request_timeout")
	viper.BindEnv("store.type")
	viper.BindEnv("store.dsn")
	viper.BindEnv("store.uri")
	viper.BindEnv("store.database")
	viper.BindEnv("store.collection")
	viper.BindEnv("processing_delay")
	viper.BindEnv("reconcile_interval")
	viper.BindEnv("http_addr")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")

	if err := viper.Unmarshal(&c); err != nil {
		return err
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("broker.host", "rabbitmq")
	viper.SetDefault("broker.port", 5672)
	viper.SetDefault("broker.vhost", "/")
	viper.SetDefault("broker.heartbeat", 10*time.Minute)
	viper.SetDefault("broker.connect_timeout", 30*time.Second)
	viper.SetDefault("broker.reconnect_backoff", 2*time.Second)
	viper.SetDefault("broker.exchange", "orders")
	viper.SetDefault("broker.queue", "order_queue")
	viper.SetDefault("broker.routing_key", "order.new")
	viper.SetDefault("broker.prefetch_count", 1)
	viper.SetDefault("services.request_timeout", 15*time.Second)
	viper.SetDefault("store.type", "none")
	viper.SetDefault("reconcile_age", time.Minute)
	viper.SetDefault("reconcile_batch", 50)
	viper.SetDefault("http_addr", ":8080")
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

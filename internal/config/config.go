// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"plantpod-gateway/internal/data"
)

type Config struct {
	Server struct {
		DataPort        int           `mapstructure:"data_port"`
		UIPort          int           `mapstructure:"ui_port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	Stream struct {
		KeepAlive time.Duration `mapstructure:"keepalive"`
		Buffer    int           `mapstructure:"buffer"`
	} `mapstructure:"stream"`
	Store struct {
		IdleTTL       time.Duration `mapstructure:"idle_ttl"`
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"store"`
	Alerts struct {
		Cooldown       time.Duration `mapstructure:"cooldown"`
		DangerFallback float64       `mapstructure:"danger_fallback"`
	} `mapstructure:"alerts"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Datastore DatastoreConfig `mapstructure:"datastore"`
	Catalog   struct {
		Plants []data.Member `mapstructure:"plants"`
	} `mapstructure:"catalog"`
	MQTT   MQTTConfig   `mapstructure:"mqtt"`
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Influx InfluxConfig `mapstructure:"influx"`
	Log    LogConfig    `mapstructure:"log"`
}

type NotifyConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	GeminiAPIKey    string        `mapstructure:"gemini_api_key"`
	GeminiModel     string        `mapstructure:"gemini_model"`
	VonageAPIKey    string        `mapstructure:"vonage_api_key"`
	VonageAPISecret string        `mapstructure:"vonage_api_secret"`
	VonageFrom      string        `mapstructure:"vonage_from"`
}

// SMSEnabled reports whether every Vonage credential is present.
func (n NotifyConfig) SMSEnabled() bool {
	return n.VonageAPIKey != "" && n.VonageAPISecret != "" && n.VonageFrom != ""
}

type AuthConfig struct {
	JWTSecret  string   `mapstructure:"jwt_secret"`
	DeviceKeys []string `mapstructure:"device_keys"`
}

type DatastoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, postgres or sqlite
	DSN    string `mapstructure:"dsn"`
}

type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type InfluxConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// LoadConfig reads config.yaml from path, overlays PLANTPOD_* environment variables and
// falls back to defaults for anything unset. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("PLANTPOD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.data_port", 8080)
	v.SetDefault("server.ui_port", 8081)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("stream.keepalive", 25*time.Second)
	v.SetDefault("stream.buffer", 16)

	v.SetDefault("store.idle_ttl", 24*time.Hour)
	v.SetDefault("store.sweep_interval", 10*time.Minute)

	v.SetDefault("alerts.cooldown", time.Hour)
	v.SetDefault("alerts.danger_fallback", 0.35)

	v.SetDefault("notify.timeout", 30*time.Second)
	v.SetDefault("notify.gemini_api_key", "")
	v.SetDefault("notify.gemini_model", "gemini-2.5-flash")
	v.SetDefault("notify.vonage_api_key", "")
	v.SetDefault("notify.vonage_api_secret", "")
	v.SetDefault("notify.vonage_from", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.device_keys", []string{})

	v.SetDefault("datastore.driver", "memory")
	v.SetDefault("datastore.dsn", "")

	v.SetDefault("catalog.plants", []map[string]any{})

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "plantpod-gateway")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "pods/+/telemetry")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "plantpod-events")

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "plantpod")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.DataPort <= 0 || c.Server.UIPort <= 0 {
		errs = append(errs, errors.New("server ports must be positive"))
	}
	if c.Stream.KeepAlive <= 0 {
		errs = append(errs, errors.New("stream.keepalive must be positive"))
	}
	if c.Stream.Buffer <= 0 {
		errs = append(errs, errors.New("stream.buffer must be positive"))
	}
	if c.Store.SweepInterval <= 0 || c.Store.IdleTTL <= 0 {
		errs = append(errs, errors.New("store.idle_ttl and store.sweep_interval must be positive"))
	}
	if c.Alerts.Cooldown <= 0 {
		errs = append(errs, errors.New("alerts.cooldown must be positive"))
	}
	if c.Alerts.DangerFallback <= 0 || c.Alerts.DangerFallback > 1 {
		errs = append(errs, errors.New("alerts.danger_fallback must be in (0, 1]"))
	}
	switch c.Datastore.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Datastore.DSN == "" {
			errs = append(errs, fmt.Errorf("datastore.dsn is required for driver %q", c.Datastore.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown datastore.driver %q", c.Datastore.Driver))
	}
	if c.MQTT.Enabled && (c.MQTT.Broker == "" || c.MQTT.Topic == "") {
		errs = append(errs, errors.New("mqtt.broker and mqtt.topic are required when mqtt is enabled"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos must be 0, 1 or 2"))
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Brokers[0] == "" || c.Kafka.Topic == "") {
		errs = append(errs, errors.New("kafka.brokers and kafka.topic are required when kafka is enabled"))
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Org == "" || c.Influx.Bucket == "") {
		errs = append(errs, errors.New("influx.url, influx.org and influx.bucket are required when influx is enabled"))
	}
	for i, p := range c.Catalog.Plants {
		if p.ID == "" || p.OwnerID == "" {
			errs = append(errs, fmt.Errorf("catalog.plants[%d]: id and owner_id are required", i))
		}
	}
	return errors.Join(errs...)
}

// Package config loads fleetd settings from flags, the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// MQTT holds the broker settings of the device gateway.
type MQTT struct {
	Enabled        bool          `name:"enabled" env:"ENABLED" default:"true" negatable:"" help:"Consume device messages from the broker."`
	URL            string        `name:"url" env:"URL" default:"tcp://localhost:1883" help:"Broker URL."`
	ClientID       string        `name:"client-id" env:"CLIENT_ID" default:"smartpedals" help:"Client id prefix; a random suffix is added."`
	Username       string        `name:"username" env:"USERNAME"`
	Password       string        `name:"password" env:"PASSWORD"`
	QoS            int           `name:"qos" env:"QOS" default:"1" help:"Subscribe and publish QoS (0, 1 or 2)."`
	AuthTopic      string        `name:"auth-topic" env:"AUTH_TOPIC" default:"hepl/auth"`
	AuthReplyTopic string        `name:"auth-reply-topic" env:"AUTH_REPLY_TOPIC" default:"hepl/auth_reply"`
	LocationTopic  string        `name:"location-topic" env:"LOCATION_TOPIC" default:"hepl/location"`
	LocationRate   float64       `name:"location-rate" env:"LOCATION_RATE" default:"1" help:"Location messages per second allowed per bike."`
	LocationBurst  int           `name:"location-burst" env:"LOCATION_BURST" default:"5"`
	LimiterIdle    time.Duration `name:"limiter-idle" env:"LIMITER_IDLE" default:"10m" help:"Forget the rate bucket of a bike silent for this long."`
	ExtraTopics    []string      `name:"extra-topics" env:"EXTRA_TOPICS" default:"hepl/parked,hepl/sensors" help:"Topics only archived."`
}

// Config is the fleetd configuration.
type Config struct {
	Store    string `name:"store" env:"STORE" enum:"mongo,memory" default:"mongo" help:"Persistence backend."`
	MongoURI string `name:"mongo-uri" env:"MONGO_URI" default:"mongodb://localhost:27017/?replicaSet=rs0"`
	MongoDB  string `name:"mongo-db" env:"MONGO_DB" default:"smartpedals"`

	OpTimeout           time.Duration `name:"op-timeout" env:"OP_TIMEOUT" default:"5s" help:"Upper bound of every registry and engine call."`
	LocationRetention   time.Duration `name:"location-retention" env:"LOCATION_RETENTION" default:"168h"`
	StationLogRetention time.Duration `name:"station-log-retention" env:"STATION_LOG_RETENTION" default:"720h"`
	RawRetention        time.Duration `name:"raw-retention" env:"RAW_RETENTION" default:"24h" help:"How long raw broker messages are archived."`
	PurgeInterval       time.Duration `name:"purge-interval" env:"PURGE_INTERVAL" default:"1h"`

	MQTT MQTT `embed:"" prefix:"mqtt-" envprefix:"MQTT_"`

	MetricsAddr  string  `name:"metrics-addr" env:"METRICS_ADDR" default:":9090" help:"Prometheus listen address; empty disables it."`
	LogLevel     string  `name:"log-level" env:"LOG_LEVEL" default:"info"`
	LogFormat    string  `name:"log-format" env:"LOG_FORMAT" enum:"text,json" default:"text"`
	OTLPEndpoint string  `name:"otlp-endpoint" env:"OTLP_ENDPOINT" help:"OTLP/HTTP collector host:port; empty disables tracing."`
	TraceRatio   float64 `name:"trace-ratio" env:"TRACE_RATIO" default:"1"`
}

// Validate checks values kong cannot express.
func (c *Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"op-timeout":            c.OpTimeout,
		"location-retention":    c.LocationRetention,
		"station-log-retention": c.StationLogRetention,
		"raw-retention":         c.RawRetention,
		"purge-interval":        c.PurgeInterval,
		"mqtt-limiter-idle":     c.MQTT.LimiterIdle,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.TraceRatio < 0 || c.TraceRatio > 1 {
		return fmt.Errorf("trace-ratio must be within [0,1], got %v", c.TraceRatio)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt-qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.LocationRate <= 0 || c.MQTT.LocationBurst <= 0 {
		return errors.New("mqtt location rate and burst must be positive")
	}
	if minIdle := time.Duration(float64(c.MQTT.LocationBurst) / c.MQTT.LocationRate * float64(time.Second)); c.MQTT.LimiterIdle < minIdle {
		return fmt.Errorf("mqtt-limiter-idle must be at least %s to not reset buckets early", minIdle)
	}
	return nil
}

// LoadDotEnv loads the given .env files into the environment. Missing files
// are ignored; existing variables win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load parses args (without the program name) over the environment.
func Load(name string, args []string, options ...kong.Option) (*Config, error) {
	var cfg Config
	options = append([]kong.Option{
		kong.Name(name),
		kong.Description("SmartPedals fleet state-tracking daemon."),
	}, options...)
	parser, err := kong.New(&cfg, options...)
	if err != nil {
		return nil, err
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

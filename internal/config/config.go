package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nmtboard.tail/internal/core/logger"
)

// DisabledWorkDir turns the local TensorBoard sink off.
const DisabledWorkDir = "none"

type Config struct {
	// Sources
	LogFiles []string
	WorkDir  string
	StateDir string
	RunTag   string
	StepKey  string

	// Polling
	Interval     time.Duration
	Offline      bool
	Resume       bool
	Watch        bool
	SinkTimeout  time.Duration
	MaxPending   int
	FlushRetries int
	StallTimeout time.Duration

	// Status server
	HTTPAddr        string
	EnableWebsocket bool
	EnablePromSink  bool

	// Redis
	RedisURL    string
	RedisPrefix string

	// MQTT
	MQTTBroker string
	MQTTPrefix string

	// Database
	DatabaseURL string

	// InfluxDB
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Logging
	LogLevel  slog.Level
	LogFormat string // "json" or "text"

	// Tracing
	OTLPEndpoint  string
	ServiceName   string
	EnableTracing bool
}

// fileConfig is the YAML layout. Unset keys keep the current value.
type fileConfig struct {
	LogFiles     []string `yaml:"log_files"`
	WorkDir      *string  `yaml:"work_dir"`
	StateDir     *string  `yaml:"state_dir"`
	RunTag       *string  `yaml:"run_tag"`
	StepKey      *string  `yaml:"step_key"`
	Interval     *string  `yaml:"interval"`
	Offline      *bool    `yaml:"offline"`
	Resume       *bool    `yaml:"resume"`
	Watch        *bool    `yaml:"watch"`
	SinkTimeout  *string  `yaml:"sink_timeout"`
	MaxPending   *int     `yaml:"max_pending"`
	FlushRetries *int     `yaml:"flush_retries"`
	StallTimeout *string  `yaml:"stall_timeout"`
	HTTP         struct {
		Addr       *string `yaml:"addr"`
		Websocket  *bool   `yaml:"websocket"`
		Prometheus *bool   `yaml:"prometheus"`
	} `yaml:"http"`
	Redis struct {
		URL    *string `yaml:"url"`
		Prefix *string `yaml:"prefix"`
	} `yaml:"redis"`
	MQTT struct {
		Broker *string `yaml:"broker"`
		Prefix *string `yaml:"prefix"`
	} `yaml:"mqtt"`
	Postgres struct {
		URL *string `yaml:"url"`
	} `yaml:"postgres"`
	Influx struct {
		URL    *string `yaml:"url"`
		Token  *string `yaml:"token"`
		Org    *string `yaml:"org"`
		Bucket *string `yaml:"bucket"`
	} `yaml:"influx"`
	Log struct {
		Level  *string `yaml:"level"`
		Format *string `yaml:"format"`
	} `yaml:"log"`
	Tracing struct {
		Enabled  *bool   `yaml:"enabled"`
		Endpoint *string `yaml:"endpoint"`
	} `yaml:"tracing"`
}

func Default() *Config {
	return &Config{
		WorkDir:         "logdir",
		StepKey:         "updates",
		Interval:        5 * time.Second,
		SinkTimeout:     10 * time.Second,
		MaxPending:      100000,
		FlushRetries:    3,
		StallTimeout:    30 * time.Minute,
		EnableWebsocket: true,
		EnablePromSink:  true,
		RedisPrefix:     "nmtboard",
		MQTTPrefix:      "nmtboard",
		LogLevel:        slog.LevelInfo,
		LogFormat:       "text",
		ServiceName:     "nmtboard",
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// (or $NMTBOARD_CONFIG) and NMTBOARD_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getEnv("NMTBOARD_CONFIG", "")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if len(fc.LogFiles) > 0 {
		c.LogFiles = fc.LogFiles
	}
	setString(&c.WorkDir, fc.WorkDir)
	setString(&c.StateDir, fc.StateDir)
	setString(&c.RunTag, fc.RunTag)
	setString(&c.StepKey, fc.StepKey)
	setBool(&c.Offline, fc.Offline)
	setBool(&c.Resume, fc.Resume)
	setBool(&c.Watch, fc.Watch)
	setInt(&c.MaxPending, fc.MaxPending)
	setInt(&c.FlushRetries, fc.FlushRetries)
	setString(&c.HTTPAddr, fc.HTTP.Addr)
	setBool(&c.EnableWebsocket, fc.HTTP.Websocket)
	setBool(&c.EnablePromSink, fc.HTTP.Prometheus)
	setString(&c.RedisURL, fc.Redis.URL)
	setString(&c.RedisPrefix, fc.Redis.Prefix)
	setString(&c.MQTTBroker, fc.MQTT.Broker)
	setString(&c.MQTTPrefix, fc.MQTT.Prefix)
	setString(&c.DatabaseURL, fc.Postgres.URL)
	setString(&c.InfluxURL, fc.Influx.URL)
	setString(&c.InfluxToken, fc.Influx.Token)
	setString(&c.InfluxOrg, fc.Influx.Org)
	setString(&c.InfluxBucket, fc.Influx.Bucket)
	setString(&c.LogFormat, fc.Log.Format)
	setString(&c.OTLPEndpoint, fc.Tracing.Endpoint)
	setBool(&c.EnableTracing, fc.Tracing.Enabled)
	if fc.Log.Level != nil {
		c.LogLevel = logger.ParseLevel(*fc.Log.Level)
	}

	for _, d := range []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&c.Interval, fc.Interval, "interval"},
		{&c.SinkTimeout, fc.SinkTimeout, "sink_timeout"},
		{&c.StallTimeout, fc.StallTimeout, "stall_timeout"},
	} {
		if d.src == nil {
			continue
		}
		v, err := parseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) loadEnv() error {
	if files := getEnv("NMTBOARD_LOG_FILES", ""); files != "" {
		c.LogFiles = splitList(files)
	}
	c.WorkDir = getEnv("NMTBOARD_WORK_DIR", c.WorkDir)
	c.StateDir = getEnv("NMTBOARD_STATE_DIR", c.StateDir)
	c.RunTag = getEnv("NMTBOARD_RUN_TAG", c.RunTag)
	c.StepKey = getEnv("NMTBOARD_STEP_KEY", c.StepKey)
	c.Offline = getEnvBool("NMTBOARD_OFFLINE", c.Offline)
	c.Resume = getEnvBool("NMTBOARD_RESUME", c.Resume)
	c.Watch = getEnvBool("NMTBOARD_WATCH", c.Watch)
	c.HTTPAddr = getEnv("NMTBOARD_HTTP_ADDR", c.HTTPAddr)
	c.EnableWebsocket = getEnvBool("NMTBOARD_WEBSOCKET", c.EnableWebsocket)
	c.EnablePromSink = getEnvBool("NMTBOARD_PROMETHEUS", c.EnablePromSink)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.RedisPrefix = getEnv("NMTBOARD_REDIS_PREFIX", c.RedisPrefix)
	c.MQTTBroker = getEnv("MQTT_BROKER", c.MQTTBroker)
	c.MQTTPrefix = getEnv("NMTBOARD_MQTT_PREFIX", c.MQTTPrefix)
	c.DatabaseURL = getEnv("DB_URL", c.DatabaseURL)
	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.OTLPEndpoint = getEnv("OTLP_ENDPOINT", c.OTLPEndpoint)
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.EnableTracing = getEnvBool("ENABLE_TRACING", c.EnableTracing)
	if level, ok := os.LookupEnv("LOG_LEVEL"); ok {
		c.LogLevel = logger.ParseLevel(level)
	}

	var err error
	if c.Interval, err = getEnvDuration("NMTBOARD_INTERVAL", c.Interval); err != nil {
		return err
	}
	if c.SinkTimeout, err = getEnvDuration("NMTBOARD_SINK_TIMEOUT", c.SinkTimeout); err != nil {
		return err
	}
	if c.StallTimeout, err = getEnvDuration("NMTBOARD_STALL_TIMEOUT", c.StallTimeout); err != nil {
		return err
	}
	c.MaxPending = getEnvInt("NMTBOARD_MAX_PENDING", c.MaxPending)
	c.FlushRetries = getEnvInt("NMTBOARD_FLUSH_RETRIES", c.FlushRetries)
	return nil
}

// Validate checks the values that flags and files cannot constrain.
func (c *Config) Validate() error {
	var errs []error
	if len(c.LogFiles) == 0 {
		errs = append(errs, errors.New("no log files given"))
	}
	if c.Interval < 0 {
		errs = append(errs, fmt.Errorf("interval must not be negative, got %s", c.Interval))
	}
	if c.SinkTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sink timeout must be positive, got %s", c.SinkTimeout))
	}
	if c.WorkDir == "" {
		errs = append(errs, fmt.Errorf("work dir must be a path or %q", DisabledWorkDir))
	}
	if c.InfluxURL != "" && (c.InfluxOrg == "" || c.InfluxBucket == "") {
		errs = append(errs, errors.New("influx needs an org and a bucket"))
	}
	return errors.Join(errs...)
}

// LocalSinkEnabled reports whether TensorBoard event files are written.
func (c *Config) LocalSinkEnabled() bool {
	return !strings.EqualFold(c.WorkDir, DisabledWorkDir)
}

// SinglePass reports whether the loop stops after one read of every file.
func (c *Config) SinglePass() bool {
	return c.Offline || c.Interval == 0
}

// parseDuration accepts Go durations and plain seconds.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return defaultValue
		}
		return parsed
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := parseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

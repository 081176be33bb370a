package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	API         APIConfig         `yaml:"api"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	JWT         JWTConfig         `yaml:"jwt"`
	Log         LogConfig         `yaml:"log"`
	Media       MediaConfig       `yaml:"media"`
	Stream      StreamConfig      `yaml:"stream"`
	Encoder     EncoderConfig     `yaml:"encoder"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	Devices     DevicesConfig     `yaml:"devices"`
	Integration IntegrationConfig `yaml:"integration"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig represents database configuration. An empty DSN selects
// the in-memory store.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
}

// JWTConfig represents JWT configuration. Viewer endpoints are open when
// Secret is empty.
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	Issuer         string        `yaml:"issuer"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// MediaConfig controls where uploaded and assembled media is stored
type MediaConfig struct {
	RootDir      string `yaml:"root_dir"`
	PublicPrefix string `yaml:"public_prefix"`
}

// StreamConfig controls stream session timing
type StreamConfig struct {
	DefaultDuration time.Duration `yaml:"default_duration"`
	MaxDuration     time.Duration `yaml:"max_duration"`
	FinalizeBuffer  time.Duration `yaml:"finalize_buffer"`
}

// EncoderConfig configures the external video encoder
type EncoderConfig struct {
	Binary      string        `yaml:"binary"`
	FrameRate   int           `yaml:"frame_rate"`
	Codec       string        `yaml:"codec"`
	PixelFormat string        `yaml:"pixel_format"`
	Timeout     time.Duration `yaml:"timeout"`
}

// WebSocketConfig configures the device and viewer push channels
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

// BroadcastConfig configures the media event hub
type BroadcastConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// DevicesConfig controls the device registry
type DevicesConfig struct {
	AutoRegister bool         `yaml:"auto_register"`
	Seed         []DeviceSeed `yaml:"seed"`
}

// DeviceSeed is a device upserted into the store on startup
type DeviceSeed struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	APIKey      string `yaml:"api_key"`
	Disabled    bool   `yaml:"disabled"`
}

// IntegrationConfig configures outbound media event forwarding
type IntegrationConfig struct {
	HTTP HTTPIntegrationConfig `yaml:"http"`
	MQTT MQTTIntegrationConfig `yaml:"mqtt"`
}

// HTTPIntegrationConfig posts media events to a webhook
type HTTPIntegrationConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// MQTTIntegrationConfig publishes media events to a broker
type MQTTIntegrationConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BrokerURL    string `yaml:"broker_url"`
	ClientID     string `yaml:"client_id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TopicPattern string `yaml:"topic_pattern"`
	QoS          byte   `yaml:"qos"`
	TLS          bool   `yaml:"tls"`
}

// Load loads configuration from a YAML file. A .env file in the working
// directory is applied first; an empty filename yields defaults plus
// environment overrides.
func Load(filename string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to load .env file")
	}

	var cfg Config
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	// Apply environment overrides
	cfg.applyEnvOverrides()

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no file
// or environment input
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if mediaRoot := os.Getenv("MEDIA_ROOT"); mediaRoot != "" {
		c.Media.RootDir = mediaRoot
	}

	if port := os.Getenv("API_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.API.Port = p
		} else {
			log.Warn().Str("value", port).Msg("Ignoring invalid API_PORT")
		}
	}

	if ffmpeg := os.Getenv("FFMPEG_BINARY"); ffmpeg != "" {
		c.Encoder.Binary = ffmpeg
	}
}

// setDefaults fills zero values
func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "camwatch-server"
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 15 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}
	if c.API.RequestTimeout == 0 {
		c.API.RequestTimeout = 60 * time.Second
	}
	if c.API.MaxUploadBytes == 0 {
		c.API.MaxUploadBytes = 10 << 20
	}
	if len(c.API.CORSOrigins) == 0 {
		c.API.CORSOrigins = []string{"*"}
	}
	if c.API.ShutdownTimeout == 0 {
		c.API.ShutdownTimeout = 10 * time.Second
	}

	if c.NATS.ClientID == "" {
		c.NATS.ClientID = "camwatch-server"
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 60
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "camera"
	}

	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "camwatch-server"
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = time.Hour
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Media.RootDir == "" {
		c.Media.RootDir = "./media"
	}
	if c.Media.PublicPrefix == "" {
		c.Media.PublicPrefix = "/media"
	}

	if c.Stream.DefaultDuration == 0 {
		c.Stream.DefaultDuration = 30 * time.Second
	}
	if c.Stream.MaxDuration == 0 {
		c.Stream.MaxDuration = 5 * time.Minute
	}
	if c.Stream.FinalizeBuffer == 0 {
		c.Stream.FinalizeBuffer = 5 * time.Second
	}

	if c.Encoder.Binary == "" {
		c.Encoder.Binary = "ffmpeg"
	}
	if c.Encoder.FrameRate == 0 {
		c.Encoder.FrameRate = 5
	}
	if c.Encoder.Codec == "" {
		c.Encoder.Codec = "libx264"
	}
	if c.Encoder.PixelFormat == "" {
		c.Encoder.PixelFormat = "yuv420p"
	}
	if c.Encoder.Timeout == 0 {
		c.Encoder.Timeout = 5 * time.Minute
	}

	if c.WebSocket.ReadBufferSize == 0 {
		c.WebSocket.ReadBufferSize = 4096
	}
	if c.WebSocket.WriteBufferSize == 0 {
		c.WebSocket.WriteBufferSize = 4096
	}
	if c.WebSocket.MaxMessageBytes == 0 {
		c.WebSocket.MaxMessageBytes = c.API.MaxUploadBytes
	}
	if c.WebSocket.PingInterval == 0 {
		c.WebSocket.PingInterval = 30 * time.Second
	}
	if c.WebSocket.WriteTimeout == 0 {
		c.WebSocket.WriteTimeout = 10 * time.Second
	}

	if c.Broadcast.SubscriberBuffer == 0 {
		c.Broadcast.SubscriberBuffer = 16
	}

	if c.Integration.HTTP.Timeout == 0 {
		c.Integration.HTTP.Timeout = 30 * time.Second
	}
	if c.Integration.MQTT.ClientID == "" {
		c.Integration.MQTT.ClientID = "camwatch-forwarder"
	}
	if c.Integration.MQTT.TopicPattern == "" {
		c.Integration.MQTT.TopicPattern = "cameras/{device_id}/events/{type}"
	}
}

// Validate checks values that defaults cannot repair
func (c *Config) Validate() error {
	if c.API.Port < 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port: %d", c.API.Port)
	}
	if c.Stream.MaxDuration < time.Second {
		return fmt.Errorf("stream max_duration must be at least 1s, got %s", c.Stream.MaxDuration)
	}
	if c.Stream.DefaultDuration > c.Stream.MaxDuration {
		return fmt.Errorf("stream default_duration %s exceeds max_duration %s", c.Stream.DefaultDuration, c.Stream.MaxDuration)
	}
	if c.Stream.FinalizeBuffer < 0 {
		return fmt.Errorf("stream finalize_buffer must not be negative")
	}
	if c.Encoder.FrameRate < 1 {
		return fmt.Errorf("encoder frame_rate must be positive, got %d", c.Encoder.FrameRate)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}
	if c.Integration.HTTP.Enabled && c.Integration.HTTP.Endpoint == "" {
		return fmt.Errorf("http integration enabled without endpoint")
	}
	if c.Integration.MQTT.Enabled && c.Integration.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt integration enabled without broker_url")
	}
	seen := make(map[string]bool, len(c.Devices.Seed))
	for _, d := range c.Devices.Seed {
		if d.ID == "" {
			return fmt.Errorf("device seed without id")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate device seed: %s", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// PrintConfigSummary logs the effective configuration
func (c *Config) PrintConfigSummary() {
	log.Info().
		Str("name", c.Server.Name).
		Str("version", c.Server.Version).
		Int("port", c.API.Port).
		Bool("database", c.Database.DSN != "").
		Bool("nats", c.NATS.URL != "").
		Bool("jwt", c.JWT.Secret != "").
		Str("media_root", c.Media.RootDir).
		Dur("stream_max", c.Stream.MaxDuration).
		Dur("finalize_buffer", c.Stream.FinalizeBuffer).
		Str("encoder", c.Encoder.Binary).
		Int("frame_rate", c.Encoder.FrameRate).
		Int("seed_devices", len(c.Devices.Seed)).
		Bool("auto_register", c.Devices.AutoRegister).
		Msg("Configuration loaded")
}

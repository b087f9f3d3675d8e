package wampy

import (
	"time"

	"github.com/caarlos0/env/v7"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

const agent = "wampy-go"

const (
	DefaultRouterURL        = "ws://localhost:8080"
	DefaultRealm            = "realm1"
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultResponseTimeout  = 10 * time.Second
	DefaultGoodbyeTimeout   = time.Second
)

// configSection is the ini section LoadConfig reads.
const configSection = "wamp"

// Config holds the client settings. Zero values are replaced by the defaults
// when a session is started.
type Config struct {
	// RouterURL selects the transport by scheme: ws, wss, tcp, rs or rss.
	RouterURL string `ini:"router_url" env:"WAMPY_ROUTER_URL"`
	Realm     string `ini:"realm" env:"WAMPY_REALM"`
	// Serialization is json or msgpack.
	Serialization string `ini:"serialization" env:"WAMPY_SERIALIZATION"`
	AuthID        string `ini:"authid" env:"WAMPY_AUTHID"`

	HandshakeTimeout time.Duration `ini:"handshake_timeout" env:"WAMPY_HANDSHAKE_TIMEOUT"`
	// ResponseTimeout bounds every request waiting for the router. A
	// negative value leaves the deadline to the caller's context.
	ResponseTimeout time.Duration `ini:"response_timeout" env:"WAMPY_RESPONSE_TIMEOUT"`
	GoodbyeTimeout  time.Duration `ini:"goodbye_timeout" env:"WAMPY_GOODBYE_TIMEOUT"`

	PingInterval   time.Duration `ini:"ping_interval" env:"WAMPY_PING_INTERVAL"`
	WriteTimeout   time.Duration `ini:"write_timeout" env:"WAMPY_WRITE_TIMEOUT"`
	IdleTimeout    time.Duration `ini:"idle_timeout" env:"WAMPY_IDLE_TIMEOUT"`
	MaxMessageSize int64         `ini:"max_message_size" env:"WAMPY_MAX_MESSAGE_SIZE"`

	// ExcludeMe keeps this session's own publications from being delivered
	// back to it.
	ExcludeMe bool `ini:"exclude_me" env:"WAMPY_EXCLUDE_ME"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.RouterURL == "" {
		c.RouterURL = DefaultRouterURL
	}
	if c.Realm == "" {
		c.Realm = DefaultRealm
	}
	if c.Serialization == "" {
		c.Serialization = JSON.String()
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.GoodbyeTimeout <= 0 {
		c.GoodbyeTimeout = DefaultGoodbyeTimeout
	}
	return c
}

func (c Config) connectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		IdleTimeout:  c.IdleTimeout,
		PingInterval: c.PingInterval,
		WriteTimeout: c.WriteTimeout,
		MaxMsgSize:   c.MaxMessageSize,
	}
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	if _, err := ParseSerialization(c.Serialization); err != nil {
		return err
	}
	if c.MaxMessageSize < 0 {
		return errors.Errorf("max_message_size must not be negative, got %d", c.MaxMessageSize)
	}
	return nil
}

// LoadConfig reads the [wamp] section of the ini file at path, applies
// WAMPY_* environment overrides and then the defaults. An empty path skips
// the file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		file, err := ini.Load(path)
		if err != nil {
			return cfg, errors.Wrapf(err, "loading config %s", path)
		}
		if err := file.Section(configSection).MapTo(&cfg); err != nil {
			return cfg, errors.Wrapf(err, "parsing [%s] in %s", configSection, path)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing environment")
	}
	cfg = cfg.withDefaults()
	return cfg, cfg.Validate()
}

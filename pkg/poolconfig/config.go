// Package poolconfig loads the connection pool's configuration from a
// YAML file, environment variables, and CLI flags, in that order of
// increasing precedence - the same layering the teacher's own
// pkg/config package uses for registry configuration.
package poolconfig

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"connpool/pkg/helper/errors"
)

// Config is the pool's full external configuration surface (§6), plus
// the proxy variant's options and the transport-layer additions this
// rework introduces (dial tuning, independent HTTP/1.1 and HTTP/2
// toggles, per-tunnel TLS override).
type Config struct {
	LogLevel string `yaml:"log_level"`

	MaxConnections          int           `yaml:"max_connections"`
	MaxKeepaliveConnections int           `yaml:"max_keepalive_connections"`
	KeepaliveExpirySeconds  float64       `yaml:"keepalive_expiry_seconds"`
	HTTP1                   bool          `yaml:"http1"`
	HTTP2                   bool          `yaml:"http2"`
	RetryCount              int           `yaml:"retries"`
	DialTimeout             time.Duration `yaml:"dial_timeout"`
	KeepAlive               time.Duration `yaml:"keep_alive"`
	InsecureSkipVerify      bool          `yaml:"insecure_skip_verify"`
	UnixSocketPath          string        `yaml:"uds"`
	LocalAddress            string        `yaml:"local_address"`

	Proxy ProxyConfig `yaml:"proxy"`

	Server ServerConfig `yaml:"server"`
}

// ProxyConfig configures the optional HTTP-proxy variant (C6, §4.8).
type ProxyConfig struct {
	Enabled           bool          `yaml:"enabled"`
	URL               string        `yaml:"url"`
	Mode              string        `yaml:"mode"` // "default", "forward_only", "tunnel_only"
	Headers           []HeaderPair  `yaml:"headers"`
	TunnelTimeout     time.Duration `yaml:"tunnel_timeout"`
	TunnelServerName  string        `yaml:"tunnel_server_name"`
	TunnelInsecureTLS bool          `yaml:"tunnel_insecure_tls"`
	TunnelRateLimit   int           `yaml:"tunnel_rate_limit"`
	TunnelRateWindow  time.Duration `yaml:"tunnel_rate_window"`
}

// HeaderPair is a YAML-friendly (name, value) pair for default headers.
type HeaderPair struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// ServerConfig configures the optional introspection HTTP server and
// the periodic stats daemon.
type ServerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Addr             string        `yaml:"addr"`
	MetricsPath      string        `yaml:"metrics_path"`
	InfoPath         string        `yaml:"info_path"`
	StatsCron        string        `yaml:"stats_cron"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// NewDefaultConfig returns the pool's default configuration.
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:                "info",
		MaxConnections:          0, // unbounded
		MaxKeepaliveConnections: 20,
		KeepaliveExpirySeconds:  5.0,
		HTTP1:                   true,
		HTTP2:                   true,
		RetryCount:              0,
		DialTimeout:             10 * time.Second,
		KeepAlive:               30 * time.Second,

		Proxy: ProxyConfig{
			Mode:             "default",
			TunnelTimeout:    10 * time.Second,
			TunnelRateWindow: time.Second,
		},

		Server: ServerConfig{
			Enabled:         true,
			Addr:            ":8080",
			MetricsPath:     "/metrics",
			InfoPath:        "/debug/pool",
			StatsCron:       "@every 1m",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// LoadFromFile loads a Config starting from defaults, overlaying the
// YAML file at configPath (if non-empty), then environment variables.
func LoadFromFile(configPath string) (*Config, error) {
	cfg := NewDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, errors.Wrapf(err, "read configuration file %s", configPath)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse configuration file %s", configPath)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) error {
	strVars := map[string]*string{
		"CONNPOOL_LOG_LEVEL":                &cfg.LogLevel,
		"CONNPOOL_UDS":                      &cfg.UnixSocketPath,
		"CONNPOOL_LOCAL_ADDR":               &cfg.LocalAddress,
		"CONNPOOL_PROXY_URL":                &cfg.Proxy.URL,
		"CONNPOOL_PROXY_MODE":               &cfg.Proxy.Mode,
		"CONNPOOL_PROXY_TUNNEL_SERVER_NAME": &cfg.Proxy.TunnelServerName,
		"CONNPOOL_SERVER_ADDR":              &cfg.Server.Addr,
	}
	for env, field := range strVars {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*field = v
		}
	}

	intVars := map[string]*int{
		"CONNPOOL_MAX_CONNECTIONS":           &cfg.MaxConnections,
		"CONNPOOL_MAX_KEEPALIVE_CONNECTIONS": &cfg.MaxKeepaliveConnections,
		"CONNPOOL_RETRIES":                   &cfg.RetryCount,
	}
	for env, field := range intVars {
		if v, ok := os.LookupEnv(env); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "parse %s", env)
			}
			*field = n
		}
	}

	if v, ok := os.LookupEnv("CONNPOOL_KEEPALIVE_EXPIRY_SECONDS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.Wrapf(err, "parse CONNPOOL_KEEPALIVE_EXPIRY_SECONDS")
		}
		cfg.KeepaliveExpirySeconds = f
	}

	boolVars := map[string]*bool{
		"CONNPOOL_HTTP1":                &cfg.HTTP1,
		"CONNPOOL_HTTP2":                &cfg.HTTP2,
		"CONNPOOL_INSECURE_SKIP_VERIFY": &cfg.InsecureSkipVerify,
		"CONNPOOL_PROXY_ENABLED":         &cfg.Proxy.Enabled,
		"CONNPOOL_PROXY_TUNNEL_INSECURE": &cfg.Proxy.TunnelInsecureTLS,
		"CONNPOOL_SERVER_ENABLED":       &cfg.Server.Enabled,
	}
	for env, field := range boolVars {
		if v, ok := os.LookupEnv(env); ok {
			*field = strings.ToLower(v) == "true" || v == "1"
		}
	}

	return nil
}

// AddFlagsToCommand registers the pool's flags on a cobra command,
// overriding whatever LoadFromFile already populated.
func (c *Config) AddFlagsToCommand(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (trace, debug, info, warn, error)")
	flags.IntVar(&c.MaxConnections, "max-connections", c.MaxConnections, "Maximum total pooled connections (0 = unbounded)")
	flags.IntVar(&c.MaxKeepaliveConnections, "max-keepalive-connections", c.MaxKeepaliveConnections, "Maximum idle keep-alive connections retained")
	flags.Float64Var(&c.KeepaliveExpirySeconds, "keepalive-expiry", c.KeepaliveExpirySeconds, "Idle connection expiry, in seconds")
	flags.BoolVar(&c.HTTP1, "http1", c.HTTP1, "Allow HTTP/1.1 connections")
	flags.BoolVar(&c.HTTP2, "http2", c.HTTP2, "Negotiate HTTP/2 when the peer supports it")
	flags.IntVar(&c.RetryCount, "retries", c.RetryCount, "Connect retries before giving up on a fresh connection")
	flags.DurationVar(&c.DialTimeout, "dial-timeout", c.DialTimeout, "TCP dial timeout")
	flags.BoolVar(&c.InsecureSkipVerify, "insecure-skip-verify", c.InsecureSkipVerify, "Disable TLS certificate verification")
	flags.StringVar(&c.UnixSocketPath, "uds", c.UnixSocketPath, "Connect over a Unix domain socket instead of TCP")
	flags.StringVar(&c.LocalAddress, "local-address", c.LocalAddress, "Local address to bind outbound connections to")

	flags.BoolVar(&c.Proxy.Enabled, "proxy-enabled", c.Proxy.Enabled, "Route requests through an HTTP proxy")
	flags.StringVar(&c.Proxy.URL, "proxy-url", c.Proxy.URL, "Proxy origin URL (http://host:port)")
	flags.StringVar(&c.Proxy.Mode, "proxy-mode", c.Proxy.Mode, "Proxy routing mode: default, forward_only, tunnel_only")
	flags.DurationVar(&c.Proxy.TunnelTimeout, "proxy-tunnel-timeout", c.Proxy.TunnelTimeout, "CONNECT handshake and TLS upgrade timeout")
	flags.StringVar(&c.Proxy.TunnelServerName, "proxy-tunnel-server-name", c.Proxy.TunnelServerName, "SNI/certificate name for the tunnelled TLS upgrade (defaults to the target host)")
	flags.BoolVar(&c.Proxy.TunnelInsecureTLS, "proxy-tunnel-insecure-tls", c.Proxy.TunnelInsecureTLS, "Disable TLS certificate verification on the tunnelled leg only")
	flags.IntVar(&c.Proxy.TunnelRateLimit, "proxy-tunnel-rate-limit", c.Proxy.TunnelRateLimit, "Maximum CONNECT handshakes per tunnel-rate-window (0 = unbounded)")
	flags.DurationVar(&c.Proxy.TunnelRateWindow, "proxy-tunnel-rate-window", c.Proxy.TunnelRateWindow, "Window over which proxy-tunnel-rate-limit applies")

	flags.BoolVar(&c.Server.Enabled, "server-enabled", c.Server.Enabled, "Serve pool introspection and metrics over HTTP")
	flags.StringVar(&c.Server.Addr, "server-addr", c.Server.Addr, "Introspection server listen address")
	flags.StringVar(&c.Server.StatsCron, "server-stats-cron", c.Server.StatsCron, "Cron schedule for periodic pool stats logging")
}

// KeepaliveExpiry renders KeepaliveExpirySeconds as a time.Duration, or
// nil if the sweeper should be disabled.
func (c *Config) KeepaliveExpiry() *time.Duration {
	if c.KeepaliveExpirySeconds <= 0 {
		return nil
	}
	d := time.Duration(c.KeepaliveExpirySeconds * float64(time.Second))
	return &d
}

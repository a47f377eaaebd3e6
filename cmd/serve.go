package cmd

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"connpool/pkg/helper/banner"
	"connpool/pkg/metrics"
	"connpool/pkg/pool"
	"connpool/pkg/poolconfig"
	"connpool/pkg/poolconn"
	"connpool/pkg/poolproxy"
	"connpool/pkg/server"

	"github.com/spf13/cobra"
)

// newServeCmd creates the serve command: it builds the pool (or proxy
// pool) from cfg and runs the introspection/metrics server until the
// process is signaled to stop.
func newServeCmd() *cobra.Command {
	var configFile string
	var noBanner bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the connection pool's introspection and metrics server",
		Long:  `Builds the connection pool from configuration and serves Prometheus metrics plus a pool introspection endpoint until terminated.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !noBanner {
				banner.Version = version
				banner.GitCommit = gitCommit
				banner.BuildTime = buildTime
				banner.Print()
			}

			logger, ctx, cancel := setupCommand(cmd.Context())
			defer cancel()

			if configFile != "" {
				logger.WithField("file", configFile).Info("loading configuration from file")
				loaded, err := poolconfig.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load configuration: %w", err)
				}
				cfg = loaded
			}

			registry := metrics.NewRegistry()

			connFactory := poolconn.NewFactory(poolconn.Config{
				TLSConfig:      &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify},
				HTTP1:          cfg.HTTP1,
				HTTP2:          cfg.HTTP2,
				DialTimeout:    cfg.DialTimeout,
				KeepAlive:      cfg.KeepAlive,
				Retries:        cfg.RetryCount,
				UnixSocketPath: cfg.UnixSocketPath,
				LocalAddress:   cfg.LocalAddress,
				Logger:         logger,
			})

			poolCfg := pool.Config{
				HTTP2:           cfg.HTTP2,
				KeepaliveExpiry: cfg.KeepaliveExpiry(),
			}
			if cfg.MaxConnections > 0 {
				maxConns := cfg.MaxConnections
				poolCfg.MaxConnections = &maxConns
			}
			if cfg.MaxKeepaliveConnections > 0 {
				maxKeepalive := cfg.MaxKeepaliveConnections
				poolCfg.MaxKeepaliveConnections = &maxKeepalive
			}

			var pooled server.PoolIntrospector
			var closePool func() error

			if cfg.Proxy.Enabled {
				proxyOrigin, err := parseOrigin(cfg.Proxy.URL)
				if err != nil {
					return fmt.Errorf("parse proxy url: %w", err)
				}

				headers := make([]pool.Header, 0, len(cfg.Proxy.Headers))
				for _, h := range cfg.Proxy.Headers {
					headers = append(headers, pool.Header{Name: h.Name, Value: h.Value})
				}

				var tunnelTLS *tls.Config
				if cfg.Proxy.TunnelServerName != "" || cfg.Proxy.TunnelInsecureTLS {
					tunnelTLS = &tls.Config{
						ServerName:         cfg.Proxy.TunnelServerName,
						InsecureSkipVerify: cfg.Proxy.TunnelInsecureTLS,
					}
				}

				pp := poolproxy.New(poolCfg, poolproxy.Config{
					ProxyOrigin:      proxyOrigin,
					ProxyHeaders:     headers,
					Mode:             parseProxyMode(cfg.Proxy.Mode),
					TunnelTLS:        tunnelTLS,
					TunnelTimeout:    durationPtr(cfg.Proxy.TunnelTimeout),
					ConnectFactory:   connFactory,
					TunnelRateLimit:  cfg.Proxy.TunnelRateLimit,
					TunnelRateWindow: cfg.Proxy.TunnelRateWindow,
				})
				pooled = pp
				closePool = pp.Close

				logger.WithField("proxy", proxyOrigin.String()).WithField("mode", cfg.Proxy.Mode).Info("routing pool requests through proxy")
			} else {
				p := pool.New(poolCfg, connFactory.New(), pool.WithLogger(logger), pool.WithMetrics(registry))
				pooled = p
				closePool = p.Close
			}
			defer func() {
				if err := closePool(); err != nil {
					logger.WithError(err).Warn("error closing pool on shutdown")
				}
			}()

			if !cfg.Server.Enabled {
				logger.Info("introspection server disabled, idling until signaled")
				<-ctx.Done()
				return nil
			}

			srv := server.New(ctx, &cfg.Server, logger, pooled, registry)
			return srv.Start()
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	cmd.Flags().BoolVar(&noBanner, "no-banner", false, "Disable ASCII banner on startup")

	return cmd
}

func parseOrigin(rawURL string) (pool.Origin, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return pool.Origin{}, err
	}
	if u.Scheme == "" || u.Host == "" {
		return pool.Origin{}, fmt.Errorf("url %q is missing a scheme or host", rawURL)
	}

	port := pool.DefaultPort(u.Scheme)
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return pool.Origin{}, fmt.Errorf("invalid port in %q: %w", rawURL, err)
		}
		port = uint16(n)
	}
	return pool.Origin{Scheme: u.Scheme, Host: u.Hostname(), Port: port}, nil
}

func parseProxyMode(mode string) poolproxy.Mode {
	switch mode {
	case "forward_only":
		return poolproxy.ModeForwardOnly
	case "tunnel_only":
		return poolproxy.ModeTunnelOnly
	default:
		return poolproxy.ModeDefault
	}
}

func durationPtr(d time.Duration) *time.Duration {
	if d <= 0 {
		return nil
	}
	return &d
}

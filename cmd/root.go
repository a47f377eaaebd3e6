package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"connpool/pkg/helper/log"
	"connpool/pkg/poolconfig"

	"github.com/spf13/cobra"
)

var (
	// cfg is the pool's configuration, overlaid by --config / env vars /
	// flags in that order, see poolconfig.LoadFromFile.
	cfg *poolconfig.Config

	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"

	rootCmd = &cobra.Command{
		Use:   "connpool",
		Short: "connpool is a client-side HTTP/1.1 and HTTP/2 connection pool",
		Long:  `connpool multiplexes HTTP/1.1 keep-alive and HTTP/2 stream requests over a bounded set of origin-keyed connections, optionally routed through a forward or CONNECT-tunnel proxy.`,
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cfg = poolconfig.NewDefaultConfig()
	cfg.AddFlagsToCommand(rootCmd)

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newHealthCheckCmd())
}

// setupCommand builds the command's logger and a context canceled on
// SIGINT/SIGTERM.
func setupCommand(ctx context.Context) (log.Logger, context.Context, context.CancelFunc) {
	logger := createLogger(cfg.LogLevel)
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
			logger.Info("received termination signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	return logger, ctx, cancel
}

func createLogger(level string) log.Logger {
	var logLevel log.Level
	switch level {
	case "trace":
		logLevel = log.TraceLevel
	case "debug":
		logLevel = log.DebugLevel
	case "info":
		logLevel = log.InfoLevel
	case "warn":
		logLevel = log.WarnLevel
	case "error":
		logLevel = log.ErrorLevel
	default:
		logLevel = log.InfoLevel
	}
	logger := log.NewLoggerWithLevel(logLevel)
	log.SetGlobalLogger(logger)
	return logger
}

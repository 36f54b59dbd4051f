// Command counterd hosts the demo counter service over either transport:
//
//	counterd --transport sse --bind-address 127.0.0.1:8000
//	counterd --transport stdio
//
// All logging goes to stderr so that the stdio transport's protocol stream
// stays clean. Flags override the corresponding environment variables.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/hostwire/hostwire/host"
	"github.com/hostwire/hostwire/internal/logctx"
	"github.com/hostwire/hostwire/sessions/redishost"
	"github.com/hostwire/hostwire/sse"
	"github.com/hostwire/hostwire/stdio"
)

type config struct {
	Transport   string `env:"TRANSPORT,default=sse"`
	BindAddress string `env:"BIND_ADDRESS,default=127.0.0.1:8000"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`
	RedisAddr   string `env:"REDIS_ADDR"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "counterd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		// All fields carry defaults; decode only fails when the struct grows
		// a required field without one.
		cfg = config{Transport: "sse", BindAddress: "127.0.0.1:8000", LogLevel: "info"}
	}

	cmd := &cobra.Command{
		Use:           "counterd",
		Short:         "Serve the shared counter service over stdio or SSE",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.Transport, "transport", cfg.Transport, "transport to serve on: stdio or sse")
	cmd.Flags().StringVar(&cfg.BindAddress, "bind-address", cfg.BindAddress, "listen address for the sse transport")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log verbosity: debug, info, warn or error")
	cmd.Flags().StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "use a Redis session host at this address (sse only)")

	return cmd
}

func run(ctx context.Context, cfg config) error {
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := slog.New(logctx.Handler{
		Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	})

	srv := host.NewServer(newCounterService(), host.WithLogger(log))

	var binding host.Binding
	switch cfg.Transport {
	case "stdio":
		binding = stdio.NewBinding()
	case "sse":
		opts := []sse.Option{sse.WithLogger(log)}
		if cfg.RedisAddr != "" {
			rh, err := redishost.New(redishost.Config{RedisAddr: cfg.RedisAddr})
			if err != nil {
				return fmt.Errorf("failed to connect session host: %w", err)
			}
			defer rh.Close()
			opts = append(opts, sse.WithSessionHost(rh))
		}
		binding = sse.NewBinding(cfg.BindAddress, opts...)
	default:
		return fmt.Errorf("unknown transport %q (expected stdio or sse)", cfg.Transport)
	}

	log.InfoContext(ctx, "counterd.start", slog.String("transport", cfg.Transport))
	return srv.Serve(ctx, binding)
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

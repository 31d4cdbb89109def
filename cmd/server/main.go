package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/christopherjohns/peerlink/internal/config"
	"github.com/christopherjohns/peerlink/internal/logging"
	"github.com/christopherjohns/peerlink/internal/server"
)

var (
	flagConfig   string
	flagAddr     string
	flagRedis    string
	flagLogLevel string
	flagPretty   bool
)

var rootCmd = &cobra.Command{
	Use:   "peerlink",
	Short: "Signaling relay for small WebRTC mesh rooms",
	Long: `peerlink lets up to four peers meet in a named room and exchange the
offers and answers they need to connect to each other directly.

Room presence lives in Redis when REDIS_ADDR is set, so several relays can
serve the same rooms. Without it presence is kept in memory.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay (default)",
	RunE:  runServe,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "YAML config file (overrides CONFIG_FILE)")
	pf.StringVarP(&flagAddr, "addr", "a", "", "listen address (overrides LISTEN_ADDR)")
	pf.StringVarP(&flagRedis, "redis", "r", "", "Redis address (overrides REDIS_ADDR)")
	pf.StringVarP(&flagLogLevel, "log-level", "l", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	pf.BoolVar(&flagPretty, "pretty", false, "human-readable logs (overrides LOG_PRETTY)")

	rootCmd.AddCommand(serveCmd)
}

// loadConfig resolves configuration and applies the flags that were set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if flagConfig != "" {
		if err := os.Setenv("CONFIG_FILE", flagConfig); err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.ListenAddr = flagAddr
	}
	if flags.Changed("redis") {
		cfg.Redis.Addr = flagRedis
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = flagLogLevel
	}
	if flags.Changed("pretty") {
		cfg.Log.Pretty = flagPretty
	}
	return cfg, cfg.Validate()
}

func connectRedis(ctx context.Context, rc config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", rc.Addr, err)
	}
	return rdb, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []server.Option
	if cfg.Redis.Addr != "" {
		rdb, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		log.Info().Str("component", "server").Str("redis", cfg.Redis.Addr).Msg("connected to presence store")
		opts = append(opts, server.WithRedis(rdb))
	} else {
		log.Warn().Str("component", "server").Msg("no redis configured, presence is kept in memory")
	}

	srv := server.New(cfg, opts...)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info().Str("component", "server").Msg("stopped")
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"inboxrelay/global"
	"inboxrelay/global/config"
	"inboxrelay/logger"
	"inboxrelay/service/rpc"
	jwtsec "inboxrelay/tools/security"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "relayd",
		Short:        "inbox message relay: send pipeline, delivery status and realtime feed",
		Version:      Version,
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), versionCmd(), probeCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.AppConfig, error) {
	_ = godotenv.Load(".env")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	logger.SetLevel(cfg.Log.Level)
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the relay (HTTP, websocket, status consumers)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := global.Build(ctx, cfg)
			if err != nil {
				return err
			}
			logger.Info("relayd started",
				zap.String("version", Version),
				zap.String("http", cfg.HTTP.Addr),
				zap.String("store", cfg.Store.Driver),
				zap.String("feed", cfg.Feed.Driver))

			runErr := app.Run(ctx)
			app.Close(context.Background())
			return runErr
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "YAML config file (RELAY_* env overrides)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Println(Version)
		},
	}
}

func probeCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "query the gRPC health endpoint, exit non-zero unless SERVING",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := rpc.Probe(cmd.Context(), addr, timeout)
			if err != nil {
				return err
			}
			fmt.Println(st.String())
			if st.String() != "SERVING" {
				return fmt.Errorf("relay not serving: %s", st)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9090", "gRPC health address")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "probe timeout")
	return cmd
}

// tokenCmd 本地调试用，按配置里的密钥签发发送方令牌
func tokenCmd() *cobra.Command {
	var (
		path   string
		sender string
		tenant string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "issue a sender token signed with auth.secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			opts := jwtsec.DefaultOptions([]byte(cfg.Auth.Secret))
			if cfg.Auth.Alg != "" {
				opts.Alg = cfg.Auth.Alg
			}
			if cfg.Auth.TTL > 0 {
				opts.TTL = cfg.Auth.TTL
			}
			tok, exp, err := jwtsec.Generate(opts, sender, tenant, nil)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			fmt.Fprintln(os.Stderr, "expires", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "YAML config file")
	cmd.Flags().StringVar(&sender, "sender", "", "sender id (sub)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id")
	_ = cmd.MarkFlagRequired("sender")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

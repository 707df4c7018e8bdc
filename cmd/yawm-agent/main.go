package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yawm/pkg/agent"
	"yawm/pkg/config"
)

var (
	controllerURL string
	authToken     string
	caFile        string
	clientCert    string
	clientKey     string
	insecure      bool
	timeout       time.Duration
	verbose       bool

	client *agent.Client
	logger *zap.Logger
)

func main() {
	_ = config.LoadDotEnv(".env")

	rootCmd := &cobra.Command{
		Use:   "yawm-agent",
		Short: "Join a yawm mesh and fetch its WireGuard config",
		Long: `yawm-agent registers this host with a yawm controller, fetches the
synthesized WireGuard config for a mesh and optionally applies it with wg-quick.
The private key never leaves the host.`,
		SilenceUsage:       true,
		PersistentPreRunE:  initialize,
		PersistentPostRunE: func(*cobra.Command, []string) error { _ = logger.Sync(); return nil },
	}

	rootCmd.PersistentFlags().StringVar(&controllerURL, "controller", envOr("CONTROLLER_ADDR", "http://127.0.0.1:8080"), "controller base URL (env CONTROLLER_ADDR)")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", envOr("AUTH_TOKEN", config.DefaultToken), "auth token matching the controller's APP_TOKEN (env AUTH_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", os.Getenv("CA_FILE"), "CA file for controller TLS (optional)")
	rootCmd.PersistentFlags().StringVar(&clientCert, "cert", "", "client TLS certificate (for mTLS)")
	rootCmd.PersistentFlags().StringVar(&clientKey, "key", "", "client TLS key (for mTLS)")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS verify for controller (not recommended)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newKeygenCommand())
	rootCmd.AddCommand(newMeshCommand())
	rootCmd.AddCommand(newRegisterCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newMembersCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newVersionCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// initialize sets up logging and the controller client for every subcommand.
func initialize(cmd *cobra.Command, _ []string) error {
	zc := zap.NewDevelopmentConfig()
	if !verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var err error
	if logger, err = zc.Build(); err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}
	hc, err := agent.BuildHTTPClient(caFile, clientCert, clientKey, insecure, timeout)
	if err != nil {
		return fmt.Errorf("http client: %w", err)
	}
	client, err = agent.NewClient(controllerURL, authToken, hc)
	if err != nil {
		return err
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Command tunnel is the client CLI: it authenticates against a relay
// server and forwards incoming requests to a local target, the way the
// teacher's "hookshot client" subcommand did — split into its own
// binary here since tunneld and tunnel now speak an incompatible wire
// protocol and ship independent config surfaces.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lance0/tunnelrelay/internal/config"
	"github.com/lance0/tunnelrelay/internal/display"
	"github.com/lance0/tunnelrelay/internal/tunnelclient"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "tunnel",
	Short:   "Connect a local service to a tunnelrelay server",
	Version: version,
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a relay server and forward requests to a local target",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.LoadClient(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if v, _ := cmd.Flags().GetString("server"); v != "" {
			cfg.ServerURL = v
		}
		if v, _ := cmd.Flags().GetString("token"); v != "" {
			cfg.Token = v
		}
		if v, _ := cmd.Flags().GetString("target"); v != "" {
			cfg.TargetURL = v
		}
		if v, _ := cmd.Flags().GetBool("force"); v {
			cfg.Force = v
		}
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			cfg.Verbose = v
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		logger := log.New(os.Stderr, "", 0)
		observer := display.NewObserver(cfg.TargetURL, cfg.Verbose)
		client := tunnelclient.New(tunnelclient.Config{
			ServerURL:            cfg.ServerURL,
			Token:                cfg.Token,
			Force:                cfg.Force,
			TargetURL:            cfg.TargetURL,
			ReconnectInterval:    cfg.ReconnectInterval(),
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			RequestTimeout:       cfg.RequestTimeout(),
		}, logger, observer)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nShutting down...")
			cancel()
		}()

		return client.Run(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a tunnel.yaml config file (optional; env vars/flags work without one)")

	connectCmd.Flags().StringP("server", "s", "", "Relay server URL (e.g., https://relay.example.com)")
	connectCmd.Flags().StringP("token", "t", "", "Tunnel auth token")
	connectCmd.Flags().String("target", "", "Local target URL (e.g., http://localhost:3000)")
	connectCmd.Flags().Bool("force", false, "Preempt any existing session for this token")
	connectCmd.Flags().BoolP("verbose", "v", false, "Log request/response bodies")

	rootCmd.AddCommand(connectCmd)
}

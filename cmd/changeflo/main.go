package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	clientcmd "github.com/rzbill/changeflo/internal/cmd/client"
	serverrun "github.com/rzbill/changeflo/internal/cmd/server"
	cfgpkg "github.com/rzbill/changeflo/internal/config"
	logpkg "github.com/rzbill/changeflo/pkg/log"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "changeflo",
		Short:         "changeflo change stream server and CLI",
		Long:          "changeflo is a single-binary, multi-tenant change stream server. This CLI runs the server and drives it over gRPC.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start changeflo server (gRPC and HTTP)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg}); err != nil {
				return errors.Wrap(err, "server error")
			}
			return nil
		},
	}
	serverStartCmd.Flags().StringP("config", "c", os.Getenv("CHANGEFLO_CONFIG"), "Config file (json, yaml or toml)")
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("grpc", "", "gRPC listen address")
	serverStartCmd.Flags().String("http", "", "HTTP listen address")
	serverStartCmd.Flags().String("fsync", "", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "Log format: text|json")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Streams.TokenKey = ""
			return printConfig(cmd, cfg)
		},
	}
	configCmd.Flags().AddFlagSet(serverStartCmd.Flags())

	serverCmd.AddCommand(serverStartCmd, configCmd)
	rootCmd.AddCommand(serverCmd)

	clientcmd.AddCommands(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		logger := logpkg.NewLogger(logpkg.WithFormatter(&logpkg.TextFormatter{}), logpkg.WithOutput(logpkg.NewConsoleOutput()))
		logger.Error("command failed", logpkg.Err(err))
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, CHANGEFLO_* environment
// variables and finally explicit flags.
func loadConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfgpkg.FromEnv(&cfg); err != nil {
		return cfg, err
	}
	overrides := []struct {
		flag string
		dst  *string
	}{
		{"data-dir", &cfg.DataDir},
		{"grpc", &cfg.GRPCAddr},
		{"http", &cfg.HTTPAddr},
		{"fsync", &cfg.Fsync},
		{"log-level", &cfg.Log.Level},
		{"log-format", &cfg.Log.Format},
	}
	for _, o := range overrides {
		if v, _ := cmd.Flags().GetString(o.flag); v != "" {
			*o.dst = v
		}
	}
	return cfg, cfg.Validate()
}

func printConfig(cmd *cobra.Command, cfg cfgpkg.Config) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(cfg)
}

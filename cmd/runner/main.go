package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/mattkinnersley/script-runner/internal/config"
)

var (
	cfg *config.Config

	flagConfigFilePath string
	flagPort           string
	flagGRPCPort       string
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is $CONFIG_FILE or ./runner.yaml")
	serveCmd.Flags().StringVar(&flagPort, "port", "", "HTTP port, overrides config and PORT")
	serveCmd.Flags().StringVar(&flagGRPCPort, "grpc-port", "", "gRPC health port, overrides config and GRPC_PORT")

	// never print messages
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("runner failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "runner",
	Short:        "Background script runner with an HTTP API",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:               "serve",
	Short:             "serve starts the worker and the HTTP and gRPC listeners",
	PersistentPreRunE: loadConfig,
	RunE:              doServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version prints build information",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("runner: version info not available")
			return
		}
		fmt.Printf("runner: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision", "vcs.time", "vcs.modified":
				fmt.Printf("%s: %s\n", s.Key, s.Value)
			}
		}
	},
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(flagConfigFilePath)
	if err != nil {
		return err
	}
	if flagPort != "" {
		cfg.Port = flagPort
	}
	if flagGRPCPort != "" {
		cfg.GRPCPort = flagGRPCPort
	}

	// Configure log level
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	return nil
}

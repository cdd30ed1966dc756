package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/VanDung-dev/HieraMesh/api"
	"github.com/VanDung-dev/HieraMesh/config"
)

// Version information
const (
	Version = api.Version
	Name    = "HieraMesh"
)

var (
	configPath  string
	logLevel    string
	controlAddr string
	authToken   string
	callTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "hieramesh",
	Short: "HieraMesh - connectionless P2P mesh node",
	Long: `HieraMesh runs a peer-to-peer mesh node over UDP or ZeroMQ datagrams with
per-peer acknowledgements, distance-vector routing and broadcast fallback.

Use 'hieramesh run' to start a node. The other commands talk to a running
node through its control API.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&controlAddr, "control", "127.0.0.1:7947", "Control API address")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Control API bearer token")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 10*time.Second, "Control call timeout")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig reads --config, or the defaults when it is not set.
func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// dialControl connects to the control API of a running node.
func dialControl(cmd *cobra.Command) (*api.ControlClient, context.Context, context.CancelFunc, error) {
	token := authToken
	if !cmd.Flags().Changed("token") && configPath != "" {
		if cfg, err := loadConfig(); err == nil {
			token = cfg.Control.Token
		}
	}

	client, err := api.NewControlClient(controlAddr, token)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	return client, ctx, cancel, nil
}

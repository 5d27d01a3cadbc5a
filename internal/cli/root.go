package cli

import (
	"fmt"

	"github.com/harun/toolmesh/internal/config"
	"github.com/harun/toolmesh/internal/daemon"
	"github.com/harun/toolmesh/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string

	// daemonOptions are appended to every daemon built by a command.
	daemonOptions []daemon.Option
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "toolmesh",
	Short: "toolmesh - tool-calling agent orchestration",
	Long: `toolmesh runs a tool-calling agent loop over tools aggregated from
MCP servers. Each configured namespace exposes its tools as ns.tool, and the
agent can be driven from the command line or served over HTTP and WebSocket.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.toolmesh/toolmesh.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads and validates the config. An explicit --log-level wins
// over the file.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newRuntime builds a daemon for cfg. The returned cleanup releases the
// daemon and its logger; it must not be used after Stop.
func newRuntime(cfg *config.Config, opts ...daemon.Option) (*daemon.Daemon, func(), error) {
	logCfg := cfg.Logging
	logCfg.Secrets = cfg.Secrets()
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	all := append(append([]daemon.Option{}, daemonOptions...), opts...)
	d, err := daemon.New(cfg, log, all...)
	if err != nil {
		_ = log.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = d.Close()
		_ = log.Close()
	}
	return d, cleanup, nil
}

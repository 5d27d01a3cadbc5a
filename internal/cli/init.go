package cli

import (
	"fmt"

	"github.com/harun/toolmesh/internal/config"
	"github.com/spf13/cobra"
)

var (
	initForce    bool
	initProvider string
	initModel    string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write a configuration file with default values. The format follows the
file extension (.json, .yaml or .yml). Add namespaces to it, then run
"toolmesh tools" to check that they resolve.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	initCmd.Flags().StringVar(&initProvider, "provider", "", "model provider (openai, anthropic)")
	initCmd.Flags().StringVar(&initModel, "model", "", "model name")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	configPath := loader.GetConfigPath()
	if fileExists(configPath) && !initForce {
		return fmt.Errorf("config file %s already exists (use --force to overwrite)", configPath)
	}

	cfg := config.DefaultConfig()
	if initProvider != "" {
		cfg.Provider.Name = initProvider
	}
	if initModel != "" {
		cfg.Agent.Model = initModel
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Save configuration
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", configPath)
	fmt.Fprintf(out, "Set the API key with %s_PROVIDER_API_KEY or provider.api_key, then run: toolmesh run \"hello\"\n", config.EnvPrefix)

	return nil
}

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bnema/stackpilot/internal/config"
	"github.com/bnema/stackpilot/pkg/logger"
)

var (
	cfgFile       string
	configReadErr error
)

var (
	buildVersion string
	buildCommit  string
	buildDate    string
)

var rootCmd = &cobra.Command{
	Use:   "stackpilot",
	Short: "Stackpilot - Deployment Health Orchestrator",
	Long: `Stackpilot deploys a small multi-service container stack, verifies its
health by polling per-instance endpoints with bounded retries, and rolls back
to the last known-good image tags when health does not converge.`,
}

// Execute runs the CLI with build metadata from ldflags
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./stackpilot.yaml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("stackpilot")
		viper.SetConfigType("yaml")

		// Current directory (highest priority)
		viper.AddConfigPath(".")

		// User config locations
		if homeDir, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(homeDir + "/.stackpilot")
		}

		// System-wide config directory
		viper.AddConfigPath("/etc/stackpilot")
	}

	viper.SetEnvPrefix("STACKPILOT")
	viper.AutomaticEnv()

	// Commands that need the config surface this through loadConfig; the
	// version command stays usable without one.
	if err := viper.ReadInConfig(); err != nil {
		configReadErr = err
	}

	logger.GetLogger().ConfigureFromEnv()
}

// loadConfig reports the deferred read error, then decodes and validates
func loadConfig() (*config.Config, error) {
	if configReadErr != nil {
		if cfgFile != "" {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, configReadErr)
		}
		return nil, fmt.Errorf("config file not found - please specify with --config flag or ensure stackpilot.yaml exists in current directory")
	}
	return config.Load()
}

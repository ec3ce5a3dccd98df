package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/bnema/stackpilot/internal/cli"
	"github.com/bnema/stackpilot/internal/deploy"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history <environment>",
	Short: "Show recent deployment attempts for an environment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runHistory(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "number of attempts to show")
}

func runHistory(envName string) int {
	cfg, err := loadConfig()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		return 1
	}

	if _, err := cfg.Environment(envName); err != nil {
		log.Error("Unknown environment", "environment", envName, "available", cfg.EnvironmentNames())
		return 1
	}

	history, err := deploy.OpenHistory(cfg.HistoryDB)
	if err != nil {
		log.Error("Failed to open deployment history", "error", err)
		return 1
	}
	defer history.Close()

	records, err := history.Recent(context.Background(), envName, historyLimit)
	if err != nil {
		log.Error("Failed to read deployment history", "error", err)
		return 1
	}

	if len(records) == 0 {
		fmt.Printf("No recorded deployments for %q\n", envName)
		return 0
	}

	fmt.Print(cli.RenderHistory(records))
	return 0
}

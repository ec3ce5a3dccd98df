package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/bnema/stackpilot/internal/cli"
	"github.com/bnema/stackpilot/internal/container"
)

var statusCmd = &cobra.Command{
	Use:   "status <environment>",
	Short: "List the containers currently running for an environment",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runStatus(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(envName string) int {
	cfg, err := loadConfig()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		return 1
	}

	if _, err := cfg.Environment(envName); err != nil {
		log.Error("Unknown environment", "environment", envName, "available", cfg.EnvironmentNames())
		return 1
	}

	rt, err := container.NewDockerRuntime()
	if err != nil {
		log.Error("Failed to create container runtime", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	containers, err := rt.StackStatus(ctx, envName)
	if err != nil {
		log.Error("Failed to list stack containers", "error", err)
		return 1
	}

	if len(containers) == 0 {
		fmt.Printf("No running containers for %q\n", envName)
		return 0
	}

	fmt.Print(cli.RenderContainers(containers))
	return 0
}

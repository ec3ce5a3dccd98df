package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/Masterminds/semver/v3"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/bnema/stackpilot/internal/cli"
	"github.com/bnema/stackpilot/internal/config"
	"github.com/bnema/stackpilot/internal/container"
	"github.com/bnema/stackpilot/internal/deploy"
	"github.com/bnema/stackpilot/internal/health"
	"github.com/bnema/stackpilot/internal/probe"
	"github.com/bnema/stackpilot/internal/registry"
	"github.com/bnema/stackpilot/pkg/logger"
)

// Deployment exit codes. CI pipelines branch on these, keep them stable.
const (
	exitOK               = 0
	exitFatal            = 1
	exitRolledBack       = 2
	exitRollbackFailed   = 3
	exitNoRollbackTarget = 4
)

var (
	deployMaxAttempts  int
	deployPollInterval time.Duration
	deploySettleDelay  time.Duration
	deployYes          bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy <environment>",
	Short: "Deploy an environment and verify its health",
	Long: `Deploy brings up the stack of the chosen environment, polls every
registered instance until the system verdict is healthy or the attempt budget
is exhausted, and rolls back to the last known-good image tags (at most once)
on failure.

Exit codes: 0 deployed and healthy; 2 deployment failed but the stack was
rolled back and is stable; 3 the rollback itself failed; 4 no rollback target
existed; 1 configuration or runtime error.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runDeploy(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().IntVar(&deployMaxAttempts, "max-attempts", 0, "probing attempt budget (default from config)")
	deployCmd.Flags().DurationVar(&deployPollInterval, "poll-interval", 0, "delay between probing attempts (default from config)")
	deployCmd.Flags().DurationVar(&deploySettleDelay, "settle", 0, "delay between stack start and first probe (default from config)")
	deployCmd.Flags().BoolVar(&deployYes, "yes", false, "skip the confirmation prompt for protected environments")
}

func runDeploy(envName string) int {
	cfg, err := loadConfig()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		return exitFatal
	}
	logger.GetLogger().SetLogLevel(cfg.LogLevel)

	env, err := cfg.Environment(envName)
	if err != nil {
		log.Error("Unknown environment", "environment", envName, "available", cfg.EnvironmentNames())
		return exitFatal
	}

	reg, err := registry.Load(cfg.RegistryFile)
	if err != nil {
		log.Error("Invalid service registry", "error", err)
		return exitFatal
	}

	rt, err := container.NewDockerRuntime()
	if err != nil {
		log.Error("Failed to create container runtime", "error", err)
		return exitFatal
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Ping(ctx); err != nil {
		log.Error("Container runtime not available", "error", err)
		return exitFatal
	}

	history, err := deploy.OpenHistory(cfg.HistoryDB)
	if err != nil {
		log.Error("Failed to open deployment history", "error", err)
		return exitFatal
	}
	defer history.Close()

	if env.Protected && !deployYes {
		confirmed := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Environment %q is protected. Deploy anyway?", envName),
		}
		if err := survey.AskOne(prompt, &confirmed); err != nil || !confirmed {
			log.Info("Deployment cancelled")
			return exitFatal
		}
	}

	warnOnDowngrade(ctx, history, envName, env)

	opts := deploy.Options{
		MaxAttempts:  cfg.Defaults.MaxAttempts,
		PollInterval: cfg.Defaults.PollInterval,
		SettleDelay:  cfg.Defaults.SettleDelay,
	}
	if deployMaxAttempts > 0 {
		opts.MaxAttempts = deployMaxAttempts
	}
	if deployPollInterval > 0 {
		opts.PollInterval = deployPollInterval
	}
	if deploySettleDelay > 0 {
		opts.SettleDelay = deploySettleDelay
	}

	prober := probe.New(probe.WithTimeout(cfg.Defaults.ProbeTimeout))
	checker := health.NewChecker(reg, prober)
	sequencer := deploy.NewSequencer(cfg, rt, checker, history, opts)

	attempt, err := sequencer.Deploy(ctx, envName)

	if attempt.FinalVerdict != nil {
		fmt.Print(cli.RenderVerdict(attempt.FinalVerdict))
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, deploy.ErrRolledBack):
		log.Warn("Deployment failed, stack rolled back and stable", "environment", envName)
		return exitRolledBack
	case errors.Is(err, deploy.ErrRollbackFailed):
		log.Error("Deployment and rollback both failed", "environment", envName, "error", err)
		return exitRollbackFailed
	case errors.Is(err, deploy.ErrNoRollbackTarget):
		log.Error("Deployment failed with no rollback target", "environment", envName, "error", err)
		return exitNoRollbackTarget
	default:
		log.Error("Deployment aborted", "environment", envName, "error", err)
		return exitFatal
	}
}

// warnOnDowngrade compares the tags about to be deployed against the last
// known-good ones and warns when a service moves to an older version. Tags
// that do not parse as semver are skipped.
func warnOnDowngrade(ctx context.Context, history *deploy.HistoryStore, envName string, env config.Environment) {
	lastGood, found, err := history.LastKnownGood(ctx, envName)
	if err != nil || !found {
		return
	}

	for name, tag := range env.Tags() {
		newVer, err := semver.NewVersion(tag)
		if err != nil {
			continue
		}
		oldVer, err := semver.NewVersion(lastGood[name])
		if err != nil {
			continue
		}
		if newVer.LessThan(oldVer) {
			log.Warn("Deploying an older version than the last known good",
				"service", name,
				"tag", tag,
				"last_good", lastGood[name])
		}
	}
}

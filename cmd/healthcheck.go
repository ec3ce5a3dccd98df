package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/bnema/stackpilot/internal/cli"
	"github.com/bnema/stackpilot/internal/health"
	"github.com/bnema/stackpilot/internal/probe"
	"github.com/bnema/stackpilot/internal/registry"
	"github.com/bnema/stackpilot/internal/server"
	"github.com/bnema/stackpilot/pkg/logger"
)

var (
	healthWatch    bool
	healthInterval time.Duration
	healthListen   string
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe all registered instances and print the system verdict",
	Long: `Healthcheck probes every instance of the service registry once, prints
the per-role and overall verdict, and exits 0 only when the system is healthy.

With --watch it polls forever at a fixed interval, reloads the registry when
the registry file changes, and optionally serves the latest verdict and
prometheus metrics over HTTP with --listen.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runHealthcheck())
	},
}

func init() {
	rootCmd.AddCommand(healthcheckCmd)
	healthcheckCmd.Flags().BoolVar(&healthWatch, "watch", false, "poll forever instead of checking once")
	healthcheckCmd.Flags().DurationVar(&healthInterval, "interval", 0, "polling interval in watch mode (default from config)")
	healthcheckCmd.Flags().StringVar(&healthListen, "listen", "", "serve /status, /healthz and /metrics on this address in watch mode")
}

func runHealthcheck() int {
	cfg, err := loadConfig()
	if err != nil {
		log.Error("Failed to load config", "error", err)
		return 1
	}
	logger.GetLogger().SetLogLevel(cfg.LogLevel)

	reg, err := registry.Load(cfg.RegistryFile)
	if err != nil {
		log.Error("Invalid service registry", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prober := probe.New(probe.WithTimeout(cfg.Defaults.ProbeTimeout))

	if !healthWatch {
		checker := health.NewChecker(reg, prober)
		verdict := checker.CheckOnce(ctx)
		fmt.Print(cli.RenderVerdict(verdict))
		if verdict.IsHealthy() {
			return 0
		}
		return 1
	}

	interval := cfg.Defaults.PollInterval
	if healthInterval > 0 {
		interval = healthInterval
	}

	promReg := prometheus.NewRegistry()
	metrics := health.NewMetrics(promReg)
	checker := health.NewChecker(reg, prober, health.WithMetrics(metrics))

	var statusSrv *server.StatusServer
	if healthListen != "" {
		statusSrv = server.NewStatusServer(healthListen, promReg)
		statusSrv.Start()
		defer func() {
			if err := statusSrv.Shutdown(context.Background()); err != nil {
				log.Warn("Status server shutdown failed", "error", err)
			}
		}()
	}

	stopReload := watchRegistryFile(cfg.RegistryFile, checker)
	defer stopReload()

	log.Info("Watching stack health",
		"instances", reg.Len(),
		"interval", interval)

	var lastVerdict *health.Verdict
	checker.Watch(ctx, interval, func(verdict *health.Verdict) {
		if statusSrv != nil {
			statusSrv.SetVerdict(verdict)
		}
		if lastVerdict == nil || verdict.Overall != lastVerdict.Overall {
			switch verdict.Overall {
			case health.Healthy:
				log.Info("Verdict changed", "verdict", verdict.Summary())
			case health.Degraded:
				log.Warn("Verdict changed", "verdict", verdict.Summary())
			default:
				log.Error("Verdict changed", "verdict", verdict.Summary(),
					"failing", verdict.FailingInstances())
			}
		}
		lastVerdict = verdict
	})

	return watchExitCode(lastVerdict)
}

// watchExitCode maps the last verdict observed in watch mode to the process
// exit status: 0 only when the stack was healthy at shutdown
func watchExitCode(verdict *health.Verdict) int {
	if verdict != nil && verdict.IsHealthy() {
		return 0
	}
	return 1
}

// watchRegistryFile reloads the registry into the checker whenever the file
// changes. Invalid intermediate states are logged and skipped, the previous
// registry stays active.
func watchRegistryFile(path string, checker *health.Checker) func() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("Registry file watching disabled", "error", err)
		return func() {}
	}

	if err := watcher.Add(path); err != nil {
		log.Warn("Registry file watching disabled", "path", path, "error", err)
		watcher.Close()
		return func() {}
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				reg, err := registry.Load(path)
				if err != nil {
					log.Warn("Ignoring invalid registry update", "error", err)
					continue
				}
				checker.SetRegistry(reg)
				log.Info("Registry reloaded", "instances", reg.Len())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("Registry watcher error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/replicon-project/replicon/internal/api"
	"github.com/replicon-project/replicon/internal/cli"
	"github.com/replicon-project/replicon/internal/config"
	"github.com/replicon-project/replicon/internal/demo"
	"github.com/replicon-project/replicon/internal/entity"
	"github.com/replicon-project/replicon/internal/events"
	"github.com/replicon-project/replicon/internal/health"
	"github.com/replicon-project/replicon/internal/journal"
	"github.com/replicon-project/replicon/internal/metrics"
	"github.com/replicon-project/replicon/internal/replication"
	"github.com/replicon-project/replicon/internal/scheduler"
	"github.com/replicon-project/replicon/internal/telemetry"
	"github.com/replicon-project/replicon/internal/transport"
	"github.com/replicon-project/replicon/internal/util"
)

type serveOptions struct {
	players   int
	pickups   int
	noConsole bool
}

func serveCmd(configDir *string) *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the replication host",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf(Banner, AppVersion)
			fmt.Println()
			return runServe(*configDir, opts)
		},
	}
	cmd.Flags().IntVar(&opts.players, "players", 4, "number of simulated players")
	cmd.Flags().IntVar(&opts.pickups, "pickups", 6, "number of pickups")
	cmd.Flags().BoolVar(&opts.noConsole, "no-console", false, "disable the interactive console")
	return cmd
}

func runServe(configDir string, opts serveOptions) error {
	cfg, err := loadConfig(configDir, "replicon")
	if err != nil {
		return err
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Replicon")

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("threads", sysInfo.CPUThreads).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appData := cfg.GetApplicationData()
	netCfg := cfg.GetNetwork()
	replCfg := cfg.GetReplication()

	eventBus := events.NewEventBus()

	// Metrics live on a private registry so the API can expose exactly these.
	registry := prometheus.NewRegistry()
	var m *metrics.Metrics
	if appData.Metrics.Enabled {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(metrics.WithNamespace(appData.Metrics.Namespace), metrics.WithRegistry(registry))
	}

	// Entity world
	entities := entity.NewRegistry()
	if err := demo.Register(entities); err != nil {
		return fmt.Errorf("failed to register entity classes: %w", err)
	}
	manager := entity.NewServerManager(entities,
		entity.WithMetrics(m),
		entity.WithMaxEntities(replCfg.MaxEntities),
	)
	if err := demo.Populate(manager, opts.players, opts.pickups); err != nil {
		return fmt.Errorf("failed to populate world: %w", err)
	}

	host := replication.NewHost(manager, transport.Options{
		Port:             netCfg.Port,
		MaxConnections:   netCfg.MaxConnections,
		Connection:       netCfg.Transport(),
		ConnectRateLimit: netCfg.ConnectRateLimit,
		EventBus:         eventBus,
		Metrics:          m,
	}, func(c *transport.Connection, body []byte) {
		log.Info().Uint32("conn_id", c.ID()).Str("message", string(body)).Msg("user message")
	}, replication.WithHistory(replCfg.History()))
	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("failed to start host: %w", err)
	}
	defer host.Stop()
	log.Info().Int("port", host.Server().Addr().Port).Msg("replication host listening")

	// Session journal
	var sessions *journal.Journal
	if appData.Journal.Enabled {
		sessions, err = journal.Open(appData.Journal.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open session journal, journaling disabled")
		} else {
			defer sessions.Close()
			sessions.Attach(eventBus)
		}
	}

	// MQTT telemetry
	var mqttHandler *telemetry.MQTTHandler
	if appData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(appData.MQTT)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	diskPath := "."
	if appData.Journal.Enabled {
		diskPath = filepath.Dir(appData.Journal.Path)
	}
	monitor := health.NewMonitor(host.Server(), diskPath, eventBus, health.DefaultThresholds())

	sched := scheduler.NewScheduler()
	if err := addTasks(sched, host, sessions, mqttHandler, cfg); err != nil {
		return err
	}
	err = sched.Every("health", 30*time.Second, func(ctx context.Context, now time.Time) error {
		monitor.Check(ctx, now)
		return nil
	})
	if err != nil {
		return err
	}

	deps := api.Deps{Host: host, Tasks: sched.Stats, Health: monitor}
	if sessions != nil {
		deps.Journal = sessions
	}
	if m != nil {
		deps.Gatherer = registry
	}

	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, e events.Event) error {
		log.Info().Str("source", e.Source).Msg("shutdown requested")
		cancel()
		return nil
	})

	// ---------------------------------------------------------------
	// Launch all concurrent tasks
	// ---------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Dur("tick", replCfg.TickInterval()).Msg("starting task scheduler")
		sched.Start(gctx)
		return nil
	})

	if appData.API.Enabled {
		apiServer := api.NewServer(cfg, deps)
		g.Go(func() error {
			log.Info().Int("port", appData.API.Port).Msg("starting REST API server")
			if err := apiServer.Start(gctx); err != nil {
				log.Warn().Err(err).Msg("API server failed (non-fatal)")
			}
			return nil
		})
	}

	if mqttHandler != nil {
		g.Go(func() error {
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(gctx, eventBus); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
			return nil
		})
	}

	if !opts.noConsole {
		console := cli.NewCLI(cfg, eventBus, host, os.Stdin, os.Stdout)
		// The console blocks on stdin, so it is not part of the group.
		go console.Start(gctx)
	}

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()
	host.Stop()

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("Replicon stopped")
	return nil
}

// addTasks registers the periodic work of a serving host.
func addTasks(sched *scheduler.Scheduler, host *replication.Host, sessions *journal.Journal, mqttHandler *telemetry.MQTTHandler, cfg *config.Config) error {
	replCfg := cfg.GetReplication()
	appData := cfg.GetApplicationData()
	manager := host.Manager()

	err := sched.Every("tick", replCfg.TickInterval(), func(ctx context.Context, now time.Time) error {
		demo.Simulate(manager, now)
		return host.Tick(now)
	})
	if err != nil {
		return err
	}

	err = sched.Every("resources", time.Minute, func(ctx context.Context, now time.Time) error {
		usage := util.GetResourceUsage()
		log.Info().
			Float64("cpu_percent", usage.CPUPercent).
			Float64("memory_percent", usage.MemoryPercent).
			Uint64("rss_mb", usage.ProcessRSSMB).
			Int("goroutines", usage.Goroutines).
			Int("connections", host.Server().Count()).
			Int("entities", manager.Count()).
			Msg("resource usage")
		return nil
	})
	if err != nil {
		return err
	}

	if sessions != nil {
		retention := time.Duration(appData.Journal.RetentionDays) * 24 * time.Hour
		err = sched.Daily("journal-prune", "04:00", func(ctx context.Context, now time.Time) error {
			n, err := sessions.Prune(ctx, now.Add(-retention))
			if err == nil && n > 0 {
				log.Info().Int64("sessions", n).Msg("pruned session journal")
			}
			return err
		})
		if err != nil {
			return err
		}
	}

	if mqttHandler != nil {
		interval := time.Duration(appData.MQTT.StatsIntervalSec) * time.Second
		err = sched.Every("mqtt-stats", interval, func(ctx context.Context, now time.Time) error {
			mqttHandler.PublishStats(map[string]interface{}{
				"connections": host.Server().Count(),
				"entities":    manager.Count(),
				"ticks":       host.Ticks(),
				"resources":   util.GetResourceUsage(),
			})
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

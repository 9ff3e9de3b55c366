// Copyright 2024-2026 The GrepWise Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/grepwise/grepwise/internal/alarm"
	"github.com/grepwise/grepwise/internal/app"
	"github.com/grepwise/grepwise/internal/archive"
	"github.com/grepwise/grepwise/internal/config"
	"github.com/grepwise/grepwise/internal/index"
	"github.com/grepwise/grepwise/internal/intake"
	"github.com/grepwise/grepwise/internal/metrics"
	"github.com/grepwise/grepwise/internal/redact"
	"github.com/grepwise/grepwise/internal/retention"
	"github.com/grepwise/grepwise/internal/scanner"
	"github.com/grepwise/grepwise/internal/scheduler"
	"github.com/grepwise/grepwise/internal/search"
	"github.com/grepwise/grepwise/internal/searchcache"
	"github.com/grepwise/grepwise/internal/sources"
)

// set via ldflags
var (
	version = "dev"
	commit  = "none"
)

type CLI struct {
	Config string `validate:"omitempty,file"`
}

func main() {
	var cli CLI
	var params []string

	// Init cobra command
	cmd := cobra.Command{
		Use:   "grepwise",
		Short: "GrepWise log analytics server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate CLI flags
			return validator.New().Struct(cli)
		},
		Run: func(cmd *cobra.Command, args []string) {
			// Listen for termination signals as early as possible
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer close(quit)

			// Init viper
			v := viper.New()
			v.BindPFlag("http.address", cmd.Flags().Lookup("addr"))
			v.BindPFlag("http.port", cmd.Flags().Lookup("port"))
			v.BindPFlag("http.gin-mode", cmd.Flags().Lookup("gin-mode"))
			v.BindPFlag("data-dir", cmd.Flags().Lookup("data-dir"))

			// Override params from cli
			for _, param := range params {
				split := strings.SplitN(param, ":", 2)
				if len(split) == 2 {
					v.Set(split[0], split[1])
				}
			}

			// Init config
			cfg, err := config.NewConfig(v, cli.Config)
			if err != nil {
				zlog.Fatal().Caller().Err(err).Send()
			}

			// set gin mode
			gin.SetMode(cfg.HTTP.GinMode)

			// Configure logger
			config.ConfigureLogger(config.LoggerOptions{
				Enabled: cfg.Logging.Enabled,
				Level:   cfg.Logging.Level,
				Format:  cfg.Logging.Format,
			})

			if err := runServer(cfg, quit); err != nil {
				zlog.Fatal().Caller().Err(err).Send()
			}
		},
	}

	// Define flags
	flagset := cmd.Flags()
	flagset.SortFlags = false
	flagset.StringVarP(&cli.Config, "config", "c", "", "Path to configuration file (e.g. \"/etc/grepwise/config.yaml\")")
	flagset.StringP("addr", "a", "", "Host address to bind to")
	flagset.Uint("port", 8080, "Port to listen on")
	flagset.String("gin-mode", "release", "Gin mode (release, debug)")
	flagset.String("data-dir", "data", "Data directory")
	flagset.StringArrayVarP(&params, "param", "p", []string{}, "Config params")

	// Version subcommand
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("grepwise %s (%s)\n", version, commit)
		},
	})

	// Execute command
	if err := cmd.Execute(); err != nil {
		zlog.Fatal().Caller().Err(err).Send()
	}
}

func runServer(cfg *config.Config, quit chan os.Signal) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	m := metrics.New()

	// index engine
	idx, err := index.Open(cfg.IndexDir(), index.WithSegmentMaxSize(cfg.Index.SegmentMaxSize))
	if err != nil {
		return err
	}
	defer idx.Close()

	// search cache
	cache := searchcache.New(searchcache.Config{
		Enabled:      cfg.Cache.Enabled,
		MaxSize:      cfg.Cache.MaxSize,
		ExpirationMs: cfg.Cache.TTLMs,
	}, nil)

	// redactor
	var red *redact.Redactor
	if cfg.Redaction.ConfigPath != "" {
		red, err = redact.NewFromFile(cfg.Redaction.ConfigPath)
	} else {
		red, err = redact.New(redact.Config{})
	}
	if err != nil {
		return err
	}
	defer red.Close()

	// search service with live-tail fanout
	bus := evbus.New()
	svc := search.NewService(idx, red, search.Options{
		Cache:     cache,
		RowErrors: m.QueryRowErrors,
	})
	svc.SetBus(bus)

	// intake pipeline
	buffer := intake.NewBuffer(cfg.Intake.BufferSize, cfg.Intake.BatchSize, nil, m.IngestDrops)
	indexer := intake.NewIndexer(buffer, idx, intake.IndexerOptions{
		FlushInterval: time.Duration(cfg.Intake.FlushIntervalMs) * time.Millisecond,
		QuarantineDir: filepath.Join(cfg.IndexDir(), "quarantine"),
		Invalidator:   cache,
		Bus:           bus,
	})

	// sources
	offsets, err := scanner.NewRegistry(filepath.Join(cfg.DataDir, "scanner-offsets.json"))
	if err != nil {
		return err
	}
	registry, err := sources.NewRegistry(filepath.Join(cfg.DataDir, "sources.json"))
	if err != nil {
		return err
	}
	manager := sources.NewManager(registry, buffer, sources.ManagerOptions{
		Offsets:       offsets,
		ScanPeriod:    time.Duration(cfg.Scanner.PeriodSeconds) * time.Second,
		Oversize:      m.ListenerOversize,
		SlowConsumers: m.SlowConsumers,
	})
	if err := seedSources(cfg, registry); err != nil {
		return err
	}

	// alarms
	alarms, err := alarm.NewStore(filepath.Join(cfg.DataDir, "alarms.json"))
	if err != nil {
		return err
	}
	alarmEngine := alarm.NewEngine(alarms, svc, alarm.Options{
		Notifiers:      []alarm.Notifier{alarm.NewWebhookNotifier(nil), alarm.LogNotifier{}},
		NotifyFailures: m.NotifyFailures,
	})

	// retention + archives
	policies, err := retention.NewPolicyStore(filepath.Join(cfg.DataDir, "retention.json"))
	if err != nil {
		return err
	}
	archives, err := archive.NewStore(cfg.ArchiveDir(), nil)
	if err != nil {
		return err
	}
	retEngine := retention.NewEngine(policies, idx, archives, cache, nil)

	// background jobs
	sched := scheduler.New(scheduler.Options{Failures: m.JobFailures, Skipped: m.JobSkipped})
	jobs := []scheduler.Job{
		{
			Name:   "retention.sweep",
			Period: time.Duration(cfg.Retention.SweepPeriodMinutes) * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := retEngine.RunOnce()
				return err
			},
		},
		{
			Name:   "cache.sweep",
			Period: cache.SweepInterval(),
			Run: func(ctx context.Context) error {
				cache.Sweep()
				return nil
			},
		},
		{
			Name:   "alarm.tick",
			Period: time.Duration(cfg.Alarms.TickSeconds) * time.Second,
			Run: func(ctx context.Context) error {
				alarmEngine.Tick(ctx)
				return nil
			},
		},
		{
			Name:   "scanner.offsets.flush",
			Period: 30 * time.Second,
			Run: func(ctx context.Context) error {
				return offsets.Flush()
			},
		},
		{
			Name:   "archive.metadata.flush",
			Period: time.Minute,
			Run: func(ctx context.Context) error {
				return archives.FlushMetadata()
			},
		},
		{
			Name:   "ha.heartbeat",
			Period: 30 * time.Second,
			Run:    heartbeatJob(filepath.Join(cfg.DataDir, "heartbeat.json")),
		},
	}
	for _, job := range jobs {
		if err := sched.Register(job); err != nil {
			return err
		}
	}

	// Start everything
	indexer.Start()
	manager.StartEnabled()
	sched.Start()

	// Create app
	ginApp := app.NewApp(cfg, app.Deps{
		Search:          svc,
		Buffer:          buffer,
		Sources:         registry,
		SourceManager:   manager,
		Alarms:          alarms,
		AlarmEngine:     alarmEngine,
		Retention:       policies,
		RetentionEngine: retEngine,
		Archives:        archives,
		Cache:           cache,
		Redactor:        red,
		Metrics:         m,
	})

	// create server
	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)
	// No WriteTimeout: the stream endpoints hold their response open far
	// longer than any fixed server-wide deadline; each handler bounds its
	// own work with a per-request context deadline instead.
	server := http.Server{
		Addr:              addr,
		Handler:           ginApp,
		IdleTimeout:       1 * time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// run server in go routine
	go func() {
		zlog.Info().Msg("Starting server on " + addr)
		if serverErr := server.ListenAndServe(); serverErr != nil && serverErr != http.ErrServerClosed {
			zlog.Fatal().Caller().Err(serverErr).Send()
		}
	}()

	// wait for termination signal
	<-quit

	zlog.Info().Msg("Starting graceful shutdown...")

	// graceful shutdown with 30 second deadline
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	// attempt graceful shutdown
	go func() {
		defer wg.Done()
		if err := server.Shutdown(ctx); err != nil {
			zlog.Error().Err(err).Send()
		}
	}()

	// drain the intake pipeline and stop the background machinery
	go func() {
		defer wg.Done()
		manager.StopAll()
		sched.Stop()
		indexer.Shutdown()
		if err := offsets.Flush(); err != nil {
			zlog.Error().Err(err).Send()
		}
		if err := archives.FlushMetadata(); err != nil {
			zlog.Error().Err(err).Send()
		}
	}()

	wg.Wait()

	if ctx.Err() == nil {
		zlog.Info().Msg("Completed graceful shutdown")
	}
	return nil
}

// seedSources registers the sources named in the config file so a fresh
// install starts ingesting without a REST round-trip. Config-seeded
// sources keep stable ids and survive restarts untouched.
func seedSources(cfg *config.Config, registry *sources.Registry) error {
	for _, dir := range cfg.Scanner.Dirs {
		src := sources.Source{
			ID:        "config:file:" + dir.Path,
			Name:      dir.Path,
			Enabled:   true,
			Kind:      sources.KindFile,
			Directory: dir.Path,
			Glob:      dir.Glob,
			Recursive: dir.Recursive,
		}
		if _, err := registry.Upsert(src); err != nil {
			return err
		}
	}

	if cfg.Syslog.Port > 0 {
		src := sources.Source{
			ID:      fmt.Sprintf("config:syslog:%d", cfg.Syslog.Port),
			Name:    fmt.Sprintf("syslog %d/%s", cfg.Syslog.Port, strings.ToLower(string(cfg.Syslog.Proto))),
			Enabled: true,
			Kind:    sources.KindSyslog,
			Port:    cfg.Syslog.Port,
			Proto:   cfg.Syslog.Proto,
			Format:  cfg.Syslog.Format,
		}
		if _, err := registry.Upsert(src); err != nil {
			return err
		}
	}
	return nil
}

// heartbeatJob writes a liveness marker for external monitors; single-node
// deployments have no peer to hand off to, so this is observational only.
func heartbeatJob(path string) func(ctx context.Context) error {
	instanceID := uuid.NewString()
	return func(ctx context.Context) error {
		data, err := json.Marshal(map[string]any{
			"instanceId": instanceID,
			"timestamp":  time.Now().UnixMilli(),
			"version":    version,
		})
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o644)
	}
}

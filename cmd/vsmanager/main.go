// Copyright 2024 The vsmanager Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// vsmanager is the control plane for a co-located Vintage Story game
// server: process supervision, mod management, configuration, console
// streaming and metrics behind one HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gofrs/flock"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/vsmanager/vsmanager/pkg/api"
	"github.com/vsmanager/vsmanager/pkg/auth"
	"github.com/vsmanager/vsmanager/pkg/cache"
	"github.com/vsmanager/vsmanager/pkg/config"
	"github.com/vsmanager/vsmanager/pkg/console"
	"github.com/vsmanager/vsmanager/pkg/metrics"
	"github.com/vsmanager/vsmanager/pkg/modapi"
	"github.com/vsmanager/vsmanager/pkg/mods"
	"github.com/vsmanager/vsmanager/pkg/restart"
	"github.com/vsmanager/vsmanager/pkg/scheduler"
	"github.com/vsmanager/vsmanager/pkg/supervisor"
	"github.com/vsmanager/vsmanager/pkg/versions"
)

func main() {
	a := kingpin.New("vsmanager", "Control plane for a Vintage Story game server")
	a.HelpFlag.Short('h')

	var (
		listenAddress = a.Flag("listen-address", "Address the HTTP API listens on.").
				Envar("VS_LISTEN_ADDRESS").Default(":8080").String()
		debug = a.Flag("debug", "Enable debug logging.").
			Envar("VS_DEBUG").Bool()
		dataDir = a.Flag("data-dir", "Root directory for the server installation and all state.").
			Envar("VS_DATA_DIR").Default("/data").String()
		apiKeyAdmin = a.Flag("api-key-admin", "API key granting full access.").
				Envar("VS_API_KEY_ADMIN").Required().String()
		apiKeyMonitor = a.Flag("api-key-monitor", "Optional API key granting read-only access.").
				Envar("VS_API_KEY_MONITOR").String()
		gameVersion = a.Flag("game-version", "Game version used for mod compatibility checks. Defaults to the installed version.").
				Envar("VS_GAME_VERSION").String()
		corsOrigins = a.Flag("cors-origins", "Allowed CORS origins.").
				Envar("VS_CORS_ORIGINS").Strings()
		consoleHistoryLines = a.Flag("console-history-lines", "Capacity of the console ring buffer.").
					Envar("VS_CONSOLE_HISTORY_LINES").Default("10000").Int()
		diskWarningGB = a.Flag("disk-space-warning-threshold-gb", "Log a warning when free disk space drops below this many GB. 0 disables the check.").
				Envar("VS_DISK_SPACE_WARNING_THRESHOLD_GB").Default("5").Float64()
		modCacheMaxMB = a.Flag("mod-cache-max-size-mb", "Mod download cache size limit in MB. 0 disables eviction.").
				Envar("VS_MOD_CACHE_MAX_SIZE_MB").Default("1024").Int64()
		modAPIURL = a.Flag("mod-api-url", "Base URL of the mod catalogue.").
				Default("https://mods.vintagestory.at").String()
		versionAPIURL = a.Flag("version-api-url", "Base URL of the game version API.").
				Default("https://api.vintagestory.at").String()
	)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	if *debug {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	if *consoleHistoryLines <= 0 || *modCacheMaxMB < 0 || *diskWarningGB < 0 {
		_ = level.Error(logger).Log("msg", "invalid flag values",
			"console_history_lines", *consoleHistoryLines,
			"mod_cache_max_size_mb", *modCacheMaxMB,
			"disk_space_warning_threshold_gb", *diskWarningGB)
		os.Exit(2)
	}

	var (
		serverDir     = filepath.Join(*dataDir, "server")
		serverDataDir = filepath.Join(*dataDir, "serverdata")
		modsDir       = filepath.Join(serverDataDir, "Mods")
		logsDir       = filepath.Join(serverDataDir, "Logs")
		vsDir         = filepath.Join(*dataDir, "vsmanager")
		stateDir      = filepath.Join(vsDir, "state")
		cacheDir      = filepath.Join(vsDir, "cache")
	)
	for _, dir := range []string{serverDir, modsDir, logsDir, stateDir, cacheDir, filepath.Join(vsDir, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			_ = level.Error(logger).Log("msg", "failed to create directory", "dir", dir, "err", err)
			os.Exit(1)
		}
	}

	// One control plane per data dir.
	lock := flock.New(filepath.Join(vsDir, "vsmanager.lock"))
	held, err := lock.TryLock()
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to acquire instance lock", "err", err)
		os.Exit(1)
	}
	if !held {
		_ = level.Error(logger).Log("msg", "another vsmanager instance holds the lock", "path", lock.Path())
		os.Exit(1)
	}
	defer func() { _ = lock.Unlock() }()

	gameConfigPath := filepath.Join(serverDataDir, "serverconfig.json")
	if err := config.EnsureGameConfig(gameConfigPath, logger); err != nil {
		_ = level.Error(logger).Log("msg", "failed to initialize game config", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	console.RegisterMetrics(reg)
	cache.RegisterMetrics(reg)
	scheduler.RegisterMetrics(reg)
	supervisor.RegisterMetrics(reg)
	versions.RegisterCacheMetrics(reg)

	keys, err := auth.NewKeys(*apiKeyAdmin, *apiKeyMonitor)
	if err != nil {
		_ = level.Error(logger).Log("msg", "invalid API key configuration", "err", err)
		os.Exit(1)
	}
	tokens := auth.NewTokenStore(auth.TokenStoreOpts{})

	ring := console.NewRing(*consoleHistoryLines)
	pending := restart.NewPending(log.With(logger, "component", "restart"))

	modCache, err := cache.New(cacheDir, *modCacheMaxMB, log.With(logger, "component", "cache"))
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to initialize mod cache", "err", err)
		os.Exit(1)
	}
	catalogue := modapi.NewClient(*modAPIURL, modCache, log.With(logger, "component", "modapi"))

	index, err := mods.NewIndex(stateDir, modsDir, log.With(logger, "component", "mods"))
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to load mod index", "err", err)
		os.Exit(1)
	}
	modManager := mods.NewManager(index, catalogue, pending, *gameVersion, log.With(logger, "component", "mods"))
	if err := modManager.Sync(); err != nil {
		_ = level.Warn(logger).Log("msg", "initial mod state sync failed", "err", err)
	}

	versionCache := versions.NewCache(
		versions.NewClient(*versionAPIURL, ""),
		log.With(logger, "component", "versions"),
	)

	sup := supervisor.New(supervisor.Options{
		ServerDir:     serverDir,
		ServerDataDir: serverDataDir,
		MarkerPath:    filepath.Join(vsDir, "current_version"),
		Ring:          ring,
		Pending:       pending,
		Mods:          modManager,
		Versions:      versionCache,
		Logger:        log.With(logger, "component", "supervisor"),
	})
	if *gameVersion == "" {
		if v := sup.CurrentVersion(); v != "" {
			modManager.SetGameVersion(v)
		}
	}

	apiStore := config.NewAPIStore(filepath.Join(stateDir, "api-settings.json"), log.With(logger, "component", "config"))
	gameConfig := config.NewGameConfig(gameConfigPath, sup, pending, apiStore.BlockEnvManagedSettings, log.With(logger, "component", "config"))

	metricsRing := metrics.NewRing(metrics.DefaultCapacity)
	sampler, err := metrics.NewSampler(metricsRing, sup, log.With(logger, "component", "metrics"))
	if err != nil {
		_ = level.Error(logger).Log("msg", "failed to initialize metrics sampler", "err", err)
		os.Exit(1)
	}

	sched := scheduler.New(log.With(logger, "component", "scheduler"))
	registerJob := func(id string, seconds int, fn scheduler.JobFunc) {
		if seconds <= 0 {
			_ = sched.RemoveJob(id)
			_ = level.Info(logger).Log("msg", "job disabled", "job", id)
			return
		}
		if err := sched.AddIntervalJob(id, time.Duration(seconds)*time.Second, fn); err != nil {
			_ = level.Error(logger).Log("msg", "failed to register job", "job", id, "err", err)
		}
	}

	settings := apiStore.Get()
	registerJob("mod-list-refresh", settings.ModListRefreshInterval, func() error {
		if err := modManager.Sync(); err != nil {
			return err
		}
		_, err := modCache.EvictIfNeeded()
		return err
	})
	registerJob("server-versions-refresh", settings.ServerVersionsRefreshInterval, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		return versionCache.Refresh(ctx)
	})
	registerJob("metrics-collection", settings.MetricsCollectionInterval, sampler.Sample)
	if *diskWarningGB > 0 {
		threshold := uint64(*diskWarningGB * 1024 * 1024 * 1024)
		registerJob("disk-space-check", 3600, func() error {
			usage, err := disk.Usage(*dataDir)
			if err != nil {
				return err
			}
			if usage.Free < threshold {
				_ = level.Warn(logger).Log("msg", "low disk space",
					"free_gb", float64(usage.Free)/(1024*1024*1024),
					"threshold_gb", *diskWarningGB)
			}
			return nil
		})
	}

	jobFuncs := map[string]scheduler.JobFunc{
		"mod_list_refresh_interval": func() error {
			if err := modManager.Sync(); err != nil {
				return err
			}
			_, err := modCache.EvictIfNeeded()
			return err
		},
		"server_versions_refresh_interval": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			return versionCache.Refresh(ctx)
		},
		"metrics_collection_interval": sampler.Sample,
	}
	jobIDs := map[string]string{
		"mod_list_refresh_interval":        "mod-list-refresh",
		"server_versions_refresh_interval": "server-versions-refresh",
		"metrics_collection_interval":      "metrics-collection",
	}
	apiStore.OnIntervalChanged(func(key string, seconds int) {
		registerJob(jobIDs[key], seconds, jobFuncs[key])
	})

	srv := api.New(api.Options{
		Keys:        keys,
		Tokens:      tokens,
		Ring:        ring,
		Server:      sup,
		Mods:        modManager,
		Game:        gameConfig,
		API:         apiStore,
		Version:     versionCache,
		Metrics:     metricsRing,
		Sched:       sched,
		Pending:     pending,
		LogsDir:     logsDir,
		CORSOrigins: *corsOrigins,
		Registry:    reg,
		Logger:      log.With(logger, "component", "api"),
	})

	// Warm the version cache so the first /versions request can answer.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := versionCache.Refresh(ctx); err != nil {
			_ = level.Warn(logger).Log("msg", "initial version refresh failed", "err", err)
		}
		cancel()
	}

	if settings.AutoStartServer && sup.State() == supervisor.StateInstalled {
		if err := sup.Start(); err != nil {
			_ = level.Warn(logger).Log("msg", "auto start failed", "err", err)
		}
	}

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received termination signal, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Scheduler.
		done := make(chan struct{})
		g.Add(
			func() error {
				sched.Start()
				<-done
				return nil
			},
			func(error) {
				sched.Shutdown(true)
				close(done)
			},
		)
	}
	{
		// HTTP API.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				return srv.Serve(ctx, *listenAddress)
			},
			func(error) {
				cancel()
			},
		)
	}
	{
		// Game-server shutdown. Stops the child on exit so it is not
		// orphaned; started separately via the API.
		done := make(chan struct{})
		g.Add(
			func() error {
				<-done
				return nil
			},
			func(error) {
				if sup.IsRunning() {
					ctx, cancel := context.WithTimeout(context.Background(), supervisor.DefaultGracePeriod+15*time.Second)
					if err := sup.Stop(ctx); err != nil {
						_ = level.Warn(logger).Log("msg", "failed to stop game server on shutdown", "err", err)
					}
					cancel()
				}
				close(done)
			},
		)
	}

	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "vsmanager exited with error", "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "vsmanager stopped")
}

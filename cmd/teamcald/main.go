package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"teamcal/internal/config"
	"teamcal/internal/conflict"
	"teamcal/internal/dedup"
	"teamcal/internal/dispatch"
	appLog "teamcal/internal/log"
	"teamcal/internal/metrics"
	"teamcal/internal/model"
	"teamcal/internal/notify"
	"teamcal/internal/occurrence"
	"teamcal/internal/scheduler"
	"teamcal/internal/storage"
	"teamcal/internal/transport"
	"teamcal/internal/web"
)

type flagConfig struct {
	configPath string
	envFile    string
	listen     string
	migrate    bool
}

func main() {
	flags := parseFlags()

	if err := config.LoadEnvFile(flags.envFile); err != nil {
		appLog.Error("failed to load env file", err, "path", flags.envFile)
		os.Exit(1)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.SetLevel(appLog.Level(conf.Log.Level))
	appLog.SetFormat(conf.Log.Format)
	if conf.Log.SentryDSN != "" {
		if err := appLog.EnableSentry(conf.Log.SentryDSN, conf.Log.Environment); err != nil {
			appLog.Error("failed to init sentry", err)
		}
	}
	defer appLog.Flush()

	appLog.Info("teamcald starting",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"database", conf.Database.Driver,
		"redis", conf.Redis.Enabled,
		"smtp", conf.SMTP.Enabled,
		"scheduler", conf.Scheduler.Enabled,
		"workers", conf.Dispatcher.Workers,
	)

	if err := run(conf, flags); err != nil {
		appLog.Error("teamcald stopped with error", err)
		appLog.Flush()
		os.Exit(1)
	}
	appLog.Info("teamcald exiting")
}

func run(conf *config.Config, flags flagConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(conf.Database)
	if err != nil {
		return err
	}
	if err := storage.Migrate(db); err != nil {
		return err
	}
	if flags.migrate {
		appLog.Info("migrations applied")
		return nil
	}
	store := storage.New(db)

	if conf.SeedFile != "" {
		seed, err := storage.LoadSeed(conf.SeedFile)
		if err != nil {
			return err
		}
		if err := store.Seed(ctx, seed); err != nil {
			return err
		}
		appLog.Info("seed loaded", "path", conf.SeedFile)
	}

	m := metrics.New()
	guard := dedup.New(conf.Redis)

	hub := transport.NewHub()
	defer hub.Close()
	transports := map[model.Channel]notify.Transport{
		model.ChannelInApp:   hub,
		model.ChannelWebPush: transport.LogSink{Channel: model.ChannelWebPush},
	}
	if conf.SMTP.Enabled {
		transports[model.ChannelEmail] = transport.NewEmail(conf.SMTP)
	} else {
		transports[model.ChannelEmail] = transport.LogSink{Channel: model.ChannelEmail}
	}

	notifier := notify.New(store, store, guard, transports, notify.Options{
		ResolveTimeout: conf.Dispatcher.ResolveTimeout,
	}, m)

	occ, err := occurrence.NewService(store, conf.Expansion.CacheSize, occurrence.Options{
		MaxPerEvent: conf.Expansion.MaxOccurrences,
	})
	if err != nil {
		return err
	}
	checker := conflict.NewChecker(occ)

	dispatcher := dispatch.New(dispatch.Deps{
		Store:     store,
		Notifier:  notifier,
		Conflicts: checker,
		Metrics:   m,
	}, dispatch.Options{
		Workers:      conf.Dispatcher.Workers,
		QueueSize:    conf.Dispatcher.QueueSize,
		MaxRetries:   conf.Dispatcher.MaxRetries,
		RetryBackoff: conf.Dispatcher.RetryBackoff,
	})

	var sched *scheduler.Scheduler
	if conf.Scheduler.Enabled {
		sched = scheduler.New(conf.Scheduler, store, occ, dispatcher, m)
		if err := sched.Start(); err != nil {
			return err
		}
	}

	srv := web.NewServer(conf, web.Deps{
		Dispatcher:  dispatcher,
		Store:       store,
		Occurrences: occ,
		Conflicts:   checker,
		Stream:      hub,
		Metrics:     m,
	})
	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		appLog.Info("http server listening", "addr", conf.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http shutdown", err)
	}
	if sched != nil {
		sched.Stop()
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		appLog.Error("dispatcher shutdown", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return runErr
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/teamcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.envFile, "env-file", ".env", "Optional dotenv file loaded before the config")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.migrate, "migrate", false, "Apply database migrations and exit")

	flag.Parse()

	return cfg
}

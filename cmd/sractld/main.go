package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"

	"github.com/modoterra/sractl/internal/buildinfo"
	"github.com/modoterra/sractl/pkg/config"
	"github.com/modoterra/sractl/pkg/daemon"
	"github.com/modoterra/sractl/pkg/logsink"
	"github.com/modoterra/sractl/pkg/store"
	"github.com/modoterra/sractl/pkg/tracing"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("sractld %s (%s) built %s\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		return
	}

	flags := pflag.NewFlagSet("sractld", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to sractl.yaml")
	socketFlag := flags.String("socket", "", "daemon socket path (overrides config)")
	levelFlag := flags.String("log-level", "", "diagnostic log level: debug, info, warn, error")
	autostart := flags.Bool("autostart", false, "start the worker on launch (overrides config)")
	flags.Parse(os.Args[1:])

	if err := run(*configPath, *socketFlag, *levelFlag, flags.Changed("autostart"), *autostart); err != nil {
		fmt.Fprintln(os.Stderr, "sractld:", err)
		os.Exit(1)
	}
}

func run(configPath, socketFlag, levelFlag string, autostartSet, autostart bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintln(os.Stderr, "config:", e)
		}
		return fmt.Errorf("%d config error(s)", len(errs))
	}
	if socketFlag != "" {
		cfg.Socket = socketFlag
	}
	if levelFlag != "" {
		cfg.Log.Level = levelFlag
	}
	if autostartSet {
		cfg.Autostart = autostart
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return fmt.Errorf("log level %q: %w", cfg.Log.Level, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	sink := logsink.New(cfg.Log.Capacity, logsink.WithLogger(logger))
	defer sink.Close()
	if _, err := sink.Initialize(cfg.Log.Dir); err != nil {
		// The sink keeps buffering in memory; the UI still works without a file.
		logger.Error("log file unavailable", "dir", cfg.Log.Dir, "err", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	tp, err := tracing.NewProvider(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Exporter:    cfg.Tracing.Exporter,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown", "err", err)
		}
	}()

	d := daemon.New(cfg.Socket, sink, st, logger)
	defer d.Shutdown()

	supervisor := daemon.NewSupervisor(sink, cfg.Worker, logger,
		daemon.WithNotifier(d),
		daemon.WithTracer(tp.Tracer()),
	)
	d.SetSupervisor(supervisor)
	d.SetVersion(buildinfo.Version)

	if cfg.Log.Journal {
		go logsink.MirrorToJournal(ctx, sink, logger)
	}

	if cfg.FilePath != "" {
		go func() {
			err := config.Watch(ctx, cfg.FilePath, config.DefaultDebounce, logger, func(next *config.Config) {
				supervisor.SetWorkerConfig(next.Worker)
				logger.Info("worker config reloaded", "path", cfg.FilePath)
			})
			if err != nil {
				logger.Warn("config watch stopped", "err", err)
			}
		}()
	}

	if cfg.Autostart {
		d.Autostart(ctx, cfg.Worker.Args)
	}

	go func() {
		select {
		case <-d.Server().Ready():
			if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
				logger.Warn("sd_notify", "err", err)
			}
		case <-ctx.Done():
		}
	}()

	logger.Info("starting sractld", "version", buildinfo.Version, "socket", cfg.Socket, "config", cfg.FilePath)
	return d.Run(ctx)
}

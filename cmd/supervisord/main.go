// Command supervisord is the master process (spec §1): it loads a daemon
// config, brings up the configured apps, serves the Unix-socket control
// protocol, and tears everything down on SIGTERM/SIGINT. Grounded on the
// teacher's flag-driven main(), generalized from one reverse-proxy pool to
// the full multi-app orchestrator.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/nehonix/go-procsupervisor/internal/command"
	"github.com/nehonix/go-procsupervisor/internal/config"
	"github.com/nehonix/go-procsupervisor/internal/control"
	"github.com/nehonix/go-procsupervisor/internal/logtail"
	"github.com/nehonix/go-procsupervisor/internal/orchestrator"
	"github.com/nehonix/go-procsupervisor/internal/signalhub"
)

var (
	flagConfig   = flag.String("config", "", "path to daemon config JSON file")
	flagSocket   = flag.String("socket", "", "override the control socket path from the config file")
	flagLogLevel = flag.String("log-level", "", "override the log level from the config file (debug|info|warn|error)")
)

func main() {
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	// Go has no process-wide "unhandled rejection" hook; the nearest idiom
	// is a top-level recover so a panic anywhere in the main goroutine's
	// call chain is logged before the process exits instead of dumping a
	// bare runtime stack trace to stderr. This does not (and cannot) catch
	// a panic in an unrecovered background goroutine — those still crash
	// the process, same as any other Go program.
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("supervisord: unrecovered panic, exiting")
			os.Exit(1)
		}
	}()

	if *flagConfig == "" {
		log.Fatal().Msg("missing required -config flag")
	}
	cfg, err := loadDaemonConfig(*flagConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("loading daemon config")
	}
	if *flagSocket != "" {
		cfg.SocketPath = *flagSocket
	}
	if *flagLogLevel != "" {
		cfg.LogLevel = *flagLogLevel
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log = log.Level(level)

	startedAt := time.Now()
	tails := logtail.NewRegistry()
	o := orchestrator.New(log, prometheus.DefaultRegisterer, tails)

	for _, appCfg := range cfg.Apps {
		if _, err := o.StartApp(appCfg); err != nil {
			log.Error().Err(err).Str("app", appCfg.Name).Msg("failed to start app from config")
		}
	}

	dispatcher := command.Table(o, tails, startedAt)
	srv := control.NewServer(cfg.SocketPath, dispatcher, log)
	if err := srv.Listen(); err != nil {
		log.Fatal().Err(err).Msg("control server")
	}
	log.Info().Str("socket", cfg.SocketPath).Int("apps", len(cfg.Apps)).Msg("supervisord started")

	shutdown := make(chan struct{})
	hub := signalhub.Install(log, signalhub.Hooks{
		OnShutdown: func(reason string) {
			_ = srv.Close()
			_ = o.Shutdown(reason)
			close(shutdown)
		},
		OnReload: func() {
			errs := o.ReloadAll(context.Background())
			for name, err := range errs {
				if err != nil {
					log.Error().Err(err).Str("app", name).Msg("reload failed")
				}
			}
		},
	})
	defer hub.Stop()

	<-shutdown
}

func loadDaemonConfig(path string) (config.DaemonConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return config.DaemonConfig{}, err
	}
	var cfg config.DaemonConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return config.DaemonConfig{}, err
	}
	return cfg.WithDefaults(), nil
}

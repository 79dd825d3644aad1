package main

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iidesho/bragi"
	"github.com/iidesho/bragi/sbragi"

	"github.com/iidesho/cedar"
	"github.com/iidesho/cedar/api"
	"github.com/iidesho/cedar/config"
	"github.com/iidesho/cedar/metrics"
	"github.com/iidesho/cedar/stream/store"
	"github.com/iidesho/cedar/stream/store/badgerdb"
	"github.com/iidesho/cedar/stream/store/inmemory"
	"github.com/iidesho/cedar/stream/store/mariadb"
	"github.com/iidesho/cedar/stream/store/ondisk"
	"github.com/iidesho/cedar/stream/subscription"
	"github.com/iidesho/cedar/webserver"
	"github.com/iidesho/cedar/webserver/health"
)

func init() {
	if health.Name == "" {
		health.Name = "cedar"
	}
}

func setupLogging(dir string) {
	if dir == "" {
		return
	}
	bragi.SetPrefix(health.Name)
	handler, err := sbragi.NewHandlerInFolder(dir)
	if err != nil {
		sbragi.WithError(err).Fatal("Unable to sett logdir", "path", dir)
	}
	handler.MakeDefault()
	logger, err := sbragi.NewLogger(&handler)
	if err != nil {
		sbragi.WithError(err).Fatal("Unable create new logger", "handler", handler)
	}
	logger.SetDefault()
}

func openBackend(ctx context.Context, cfg config.Config) (store.Backend, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		return badgerdb.Open(cfg.Dir)
	case config.BackendOnDisk:
		return ondisk.Open(cfg.Dir)
	case config.BackendMariaDB:
		return mariadb.Open(ctx, cfg.DSN, cfg.Prefix)
	}
	return inmemory.New()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		sbragi.WithError(err).Fatal("loading config")
	}
	setupLogging(cfg.LogDir)
	if cfg.DebugPort != "" {
		go func() {
			sbragi.WithError(http.ListenAndServe(":"+cfg.DebugPort, nil)).
				Info("while running debug server", "port", cfg.DebugPort)
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics.Init()
	if cfg.MetricsPushURL != "" {
		metrics.Push(ctx, cfg.MetricsPushURL, cfg.MetricsPushInterval)
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		sbragi.WithError(err).Fatal("opening store backend", "backend", cfg.Backend)
	}
	s := cedar.New(backend, cedar.WithSubscriptionDefaults(
		subscription.WithPageSize(cfg.PageSize),
		subscription.WithPollTimeout(cfg.PollTimeout),
	))

	serv, err := webserver.Init(cfg.Port, true, health.Check{
		Name: "store",
		Fn: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := s.HeadPosition(ctx)
			return err
		},
	})
	if err != nil {
		sbragi.WithError(err).Fatal("initializing webserver")
	}
	api.Register(serv.API(), s)
	sbragi.Info("starting", "name", health.Name, "version", health.Version, "backend", cfg.Backend, "port", cfg.Port)
	go serv.Run()

	<-ctx.Done()
	sbragi.Info("shutting down")
	sbragi.WithError(serv.Shutdown(5 * time.Second)).Warning("stopping webserver")
	sbragi.WithError(s.Close()).Error("closing store")
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cactusdynamics/dashpoll"
	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

func main() {
	var opts dashpoll.Options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(opts.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("invalid log level")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	layout := dashpoll.Layout{}
	if opts.Layout != "" {
		layout, err = dashpoll.LoadLayout(opts.Layout)
		if err != nil {
			logrus.WithError(err).Fatal("cannot load layout")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := dashpoll.NewMetrics(registry)

	broadcaster := dashpoll.NewUpdateBroadcaster(opts.BufferSize)
	broadcaster.Start(ctx)

	document := dashpoll.NewMemoryDocument()
	dashboard := dashpoll.NewDashboard(document, broadcaster, metrics)
	if err := layout.Build(dashboard, document); err != nil {
		logrus.WithError(err).Fatal("cannot build dashboard")
	}

	fetcher, err := dashpoll.NewHTTPFetcher(opts.Upstream, opts.RequestTimeout)
	if err != nil {
		logrus.WithError(err).Fatal("cannot create fetcher")
	}

	client := dashpoll.NewClient(fetcher, dashboard, opts.ClientOptions(), metrics)

	pollers := []*dashpoll.Poller{client.ApplyUpdatesLoop(ctx)}
	for _, field := range layout.Fields {
		if field.Path == "" {
			continue
		}
		pollers = append(pollers, client.LoadVal(ctx, field.Path, field.ID, field.AutoRefresh))
	}

	server := dashpoll.NewHttpServer(dashboard, broadcaster, opts.Host, opts.Port, registry)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(ctx)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logrus.WithError(err).Error("mirror server failed")
		}
		stop()
	case <-ctx.Done():
		if err := <-serverErr; err != nil {
			logrus.WithError(err).Error("mirror server shutdown failed")
		}
	}

	for _, poller := range pollers {
		if err := poller.Wait(); err != nil {
			logrus.WithError(err).WithField("poller", poller.Name()).Warn("poller ended with error")
		}
	}

	broadcaster.Close()
	broadcaster.Wait()
}

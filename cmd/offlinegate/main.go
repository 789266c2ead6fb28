package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"offlinegate/internal/config"
	"offlinegate/internal/logging"
	"offlinegate/internal/metrics"
	"offlinegate/internal/proxy"
	"offlinegate/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "./configs/offlinegate.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New(cfg.Logging.Level)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	shutdownTracing, err := telemetry.Setup(bgCtx, cfg.Telemetry.Endpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		log.Fatalf("setup telemetry: %v", err)
	}

	metrics.Init()

	gw, err := proxy.NewBuilder(cfg, logger).Build(bgCtx)
	if err != nil {
		log.Fatalf("build gateway: %v", err)
	}

	for _, l := range gw.Listeners {
		go serve(logger, l)
	}

	// The gateway forwards requests unchanged until the worker activates.
	go func() {
		if err := gw.Controller.Start(bgCtx); err != nil {
			logger.Error("worker install failed, serving uncontrolled", "store", gw.Controller.StoreName(), "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, l := range gw.Listeners {
		wg.Add(1)
		go func(l *proxy.ListenerServer) {
			defer wg.Done()
			if err := l.Server.Shutdown(ctx); err != nil {
				logger.Error("server shutdown error", "listener", l.Name, "err", err)
			}
		}(l)
	}
	wg.Wait()

	bgCancel()
	gw.Executors.Wait()
	if err := gw.Close(); err != nil {
		logger.Error("close cache storage", "err", err)
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Error("flush traces", "err", err)
	}
}

func serve(logger logging.Logger, l *proxy.ListenerServer) {
	logger.Info("listening", "listener", l.Name, "addr", l.Server.Addr, "tls", l.TLS.Enabled)

	var err error
	if l.TLS.Enabled {
		err = l.Server.ListenAndServeTLS(l.TLS.CertFile, l.TLS.KeyFile)
	} else {
		err = l.Server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listener %s: %v", l.Name, err)
	}
}

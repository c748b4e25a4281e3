package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfgpkg "wiremock-proxy/internal/config"
	"wiremock-proxy/internal/logging"
	metricspkg "wiremock-proxy/internal/metrics"
	"wiremock-proxy/internal/mitm"
	proxy "wiremock-proxy/internal/proxy"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config error: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup(cfg.Logging.Level, cfg.Logging.File)
	log.Infof("starting wiremock-proxy, mode=%s, listen=%s, browser_proxying=%t",
		cfg.Mode, cfg.Listen, cfg.BrowserProxying)

	p, err := proxy.NewServer(cfg, log)
	if err != nil {
		log.Fatalf("init proxy error: %v", err)
	}
	if mitm.NeedsAuthority(cfg) && !p.Proxying().Dynamic() {
		log.Warn("no certificate authority, intercepted hosts get the default certificate")
	}
	if err := p.Listen(); err != nil {
		log.Fatalf("listen error: %v", err)
	}

	// metrics server (optional)
	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricspkg.NewMux(p.Stats(), p.Certificates),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infof("metrics listening on %s", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics server error: %v", err)
			}
		}()
	}

	go func() {
		if err := p.Serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("proxy server error: %v", err)
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		log.Errorf("shutdown proxy error: %v", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
}

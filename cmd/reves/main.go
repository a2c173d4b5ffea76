// Reves version-control daemon
// Runs the reporting-event version store with a Prometheus endpoint
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mfriis/reves/internal/logger"
	"github.com/mfriis/reves/internal/metrics"
	"github.com/mfriis/reves/internal/service"
	"github.com/mfriis/reves/pkg/storage"
)

var (
	configPath  = flag.String("config", "", "YAML config file path")
	dbPath      = flag.String("db", "", "Database file path (overrides config)")
	metricsAddr = flag.String("metrics", "", "Prometheus listen address (overrides config)")
	logLevel    = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
)

func main() {
	flag.Parse()

	cfg := service.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = service.LoadConfig(*configPath)
		if err != nil {
			os.Stderr.WriteString(err.Error() + "\n")
			os.Exit(1)
		}
	}
	if *dbPath != "" {
		cfg.Store.Path = *dbPath
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log := logger.NewLogger(logger.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
	})

	var db storage.Store
	var err error
	switch cfg.Store.Backend {
	case "memory":
		db = storage.NewMemory()
	default:
		db, err = storage.OpenSQLite(cfg.Store.Path)
		if err != nil {
			log.Fatal("open store failed").Err(err).Str("path", cfg.Store.Path).Send()
		}
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	svc := service.NewService(db, log, m, nil)
	defer svc.Close()

	log.Info("reves started").
		Str("backend", cfg.Store.Backend).
		Str("path", cfg.Store.Path).
		Str("metrics_addr", cfg.MetricsAddr).
		Send()

	// Prometheus endpoint plus an uptime ticker.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("metrics server failed").Err(err).Send()
		}
	}()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			m.UpdateUptime()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down").Send()
	if err := httpServer.Close(); err != nil {
		log.Error("metrics server close failed").Err(err).Send()
	}
}

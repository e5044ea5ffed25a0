// Command fleetd tracks the state of the smartpedals fleet: it consumes rack
// and bike messages from the MQTT broker, applies them to the store and
// expires old telemetry.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ukydev/smartpedals/internal/config"
	"github.com/ukydev/smartpedals/internal/db"
	"github.com/ukydev/smartpedals/internal/engine"
	"github.com/ukydev/smartpedals/internal/gateway"
	"github.com/ukydev/smartpedals/internal/ingest"
	"github.com/ukydev/smartpedals/internal/observability"
	"github.com/ukydev/smartpedals/internal/registry"
	"github.com/ukydev/smartpedals/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fleetd: %v", err)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load("fleetd", os.Args[1:])
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	entry := observability.Component(logger, "fleetd")

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.TraceRatio)
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			entry.WithError(err).Warn("tracing shutdown")
		}
	}()

	backend, err := db.Open(ctx, cfg.Store, cfg.MongoURI, cfg.MongoDB, db.Retention{
		Location:   cfg.LocationRetention,
		StationLog: cfg.StationLogRetention,
		Raw:        cfg.RawRetention,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(context.Background()); err != nil {
			entry.WithError(err).Warn("store close")
		}
	}()
	entry.WithField("store", cfg.Store).Info("store ready")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	registrySvc := registry.New(backend.Store, observability.Component(logger, "registry"), cfg.OpTimeout)
	eng := engine.New(backend.Store, observability.Component(logger, "engine"), metrics, cfg.OpTimeout)
	tele := telemetry.New(backend.Telemetry, telemetry.Policy{
		Location:   cfg.LocationRetention,
		StationLog: cfg.StationLogRetention,
		Raw:        cfg.RawRetention,
	}, observability.Component(logger, "telemetry"), metrics)

	// Registered after the store close, so the purger is joined before it.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		telemetry.NewPurger(tele, cfg.PurgeInterval).Run(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	svc := ingest.New(eng, registrySvc, tele, observability.Component(logger, "ingest"))

	if cfg.MQTT.Enabled {
		client := gateway.NewClient(gateway.BrokerConfig{
			URL:            cfg.MQTT.URL,
			ClientIDPrefix: cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			QoS:            byte(cfg.MQTT.QoS),
		}, func(pub gateway.Publisher) *gateway.Gateway {
			return gateway.New(svc, tele, pub, gateway.Topics{
				Auth:      cfg.MQTT.AuthTopic,
				AuthReply: cfg.MQTT.AuthReplyTopic,
				Location:  cfg.MQTT.LocationTopic,
				Extra:     cfg.MQTT.ExtraTopics,
			}, gateway.NewBikeLimiter(rate.Limit(cfg.MQTT.LocationRate), cfg.MQTT.LocationBurst, cfg.MQTT.LimiterIdle),
				observability.Component(logger, "gateway"), metrics, cfg.OpTimeout)
		}, observability.Component(logger, "mqtt"))
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Close()
	} else {
		entry.Warn("mqtt disabled; no device messages will be consumed")
	}

	var server *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			entry.WithField("addr", cfg.MetricsAddr).Info("metrics listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				entry.WithError(err).Error("metrics server")
				cancel()
			}
		}()
	}

	<-ctx.Done()
	entry.Info("shutting down")

	if server != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := server.Shutdown(sctx); err != nil {
			return err
		}
	}
	return nil
}

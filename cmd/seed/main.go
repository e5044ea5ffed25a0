// Command seed loads a fleet fixture into the store.
package main

import (
	"bytes"
	"context"
	_ "embed"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/smartpedals/internal/config"
	"github.com/ukydev/smartpedals/internal/db"
	"github.com/ukydev/smartpedals/internal/engine"
	"github.com/ukydev/smartpedals/internal/observability"
	"github.com/ukydev/smartpedals/internal/registry"
	"github.com/ukydev/smartpedals/internal/seed"
	"github.com/ukydev/smartpedals/internal/telemetry"
)

//go:embed fixtures/smartpedals.yaml
var sampleFixture []byte

type cli struct {
	Store    string `name:"store" env:"STORE" enum:"mongo,memory" default:"mongo"`
	MongoURI string `name:"mongo-uri" env:"MONGO_URI" default:"mongodb://localhost:27017/?replicaSet=rs0"`
	MongoDB  string `name:"mongo-db" env:"MONGO_DB" default:"smartpedals"`

	LocationRetention   time.Duration `name:"location-retention" env:"LOCATION_RETENTION" default:"168h"`
	StationLogRetention time.Duration `name:"station-log-retention" env:"STATION_LOG_RETENTION" default:"720h"`
	RawRetention        time.Duration `name:"raw-retention" env:"RAW_RETENTION" default:"24h"`
	OpTimeout           time.Duration `name:"op-timeout" env:"OP_TIMEOUT" default:"5s"`
	LogLevel            string        `name:"log-level" env:"LOG_LEVEL" default:"info"`

	Fixture string `arg:"" optional:"" type:"existingfile" help:"Fixture file; the bundled sample fleet when omitted."`
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatalf("seed: %v", err)
	}
	var args cli
	kong.Parse(&args, kong.Name("seed"), kong.Description("Load a fleet fixture into the smartpedals store."))
	if err := run(args); err != nil {
		log.Fatalf("seed: %v", err)
	}
}

func run(args cli) (err error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger, err := observability.NewLogger(args.LogLevel, "text", os.Stderr)
	if err != nil {
		return err
	}

	var src io.Reader = bytes.NewReader(sampleFixture)
	if args.Fixture != "" {
		f, err := os.Open(args.Fixture)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}
	fixture, err := seed.Parse(src)
	if err != nil {
		return err
	}

	retention := db.Retention{Location: args.LocationRetention, StationLog: args.StationLogRetention, Raw: args.RawRetention}
	backend, err := db.Open(ctx, args.Store, args.MongoURI, args.MongoDB, retention)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := backend.Close(context.Background()); cerr != nil {
			logger.WithError(cerr).Warn("store close")
			if err == nil {
				err = cerr
			}
		}
	}()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	entry := observability.Component(logger, "seed")
	s := seed.New(
		registry.New(backend.Store, entry, args.OpTimeout),
		engine.New(backend.Store, entry, metrics, args.OpTimeout),
		telemetry.New(backend.Telemetry, telemetry.Policy(retention), entry, metrics),
		entry,
	)
	_, err = s.Apply(ctx, fixture)
	return err
}

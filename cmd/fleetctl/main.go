// Command fleetctl runs operator actions against the smartpedals store:
// maintenance, relocation and retirement of bikes, rack removal, rider record
// edits, and ledger and telemetry queries.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/smartpedals/internal/config"
	"github.com/ukydev/smartpedals/internal/db"
	"github.com/ukydev/smartpedals/internal/engine"
	"github.com/ukydev/smartpedals/internal/ledger"
	"github.com/ukydev/smartpedals/internal/models"
	"github.com/ukydev/smartpedals/internal/observability"
	"github.com/ukydev/smartpedals/internal/registry"
	"github.com/ukydev/smartpedals/internal/telemetry"
)

type cli struct {
	Store    string `name:"store" env:"STORE" enum:"mongo,memory" default:"mongo"`
	MongoURI string `name:"mongo-uri" env:"MONGO_URI" default:"mongodb://localhost:27017/?replicaSet=rs0"`
	MongoDB  string `name:"mongo-db" env:"MONGO_DB" default:"smartpedals"`

	LocationRetention   time.Duration `name:"location-retention" env:"LOCATION_RETENTION" default:"168h"`
	StationLogRetention time.Duration `name:"station-log-retention" env:"STATION_LOG_RETENTION" default:"720h"`
	RawRetention        time.Duration `name:"raw-retention" env:"RAW_RETENTION" default:"24h"`
	OpTimeout           time.Duration `name:"op-timeout" env:"OP_TIMEOUT" default:"5s"`
	LogLevel            string        `name:"log-level" env:"LOG_LEVEL" default:"warn"`

	Maintenance maintenanceCmd `cmd:"" help:"Take an available bike out of service."`
	Return      returnCmd      `cmd:"" help:"Put a bike in maintenance back into service."`
	Retire      retireCmd      `cmd:"" help:"Delete a bike that is not in use."`
	Relocate    relocateCmd    `cmd:"" help:"Move a docked bike to an empty rack."`
	RemoveRack  removeRackCmd  `cmd:"" name:"remove-rack" help:"Delete an empty rack."`
	UpdateUser  updateUserCmd  `cmd:"" name:"update-user" help:"Edit a rider's contact details."`
	DeleteUser  deleteUserCmd  `cmd:"" name:"delete-user" help:"Delete a rider who holds no bike."`
	History     historyCmd     `cmd:"" help:"Print the ledger of a user, bike or rack."`
	Fixes       fixesCmd       `cmd:"" help:"Print recent GPS fixes of a bike."`
	StationLogs stationLogsCmd `cmd:"" name:"station-logs" help:"Print recent occupancy snapshots of a station."`
	Raw         rawCmd         `cmd:"" help:"Print archived broker messages."`
}

// services is what every command runs against.
type services struct {
	registry  *registry.Registry
	engine    *engine.Engine
	ledger    *ledger.Ledger
	telemetry *telemetry.Store
	out       io.Writer
	now       func() time.Time
}

func (s *services) print(v interface{}) error {
	return json.NewEncoder(s.out).Encode(v)
}

type maintenanceCmd struct {
	Bike string `arg:""`
}

func (c *maintenanceCmd) Run(ctx context.Context, s *services) error {
	return s.engine.SendToMaintenance(ctx, c.Bike)
}

type returnCmd struct {
	Bike string `arg:""`
	Rack string `arg:"" optional:"" help:"Empty rack for a bike that is not docked."`
}

func (c *returnCmd) Run(ctx context.Context, s *services) error {
	return s.engine.ReturnToService(ctx, c.Bike, c.Rack, s.now())
}

type retireCmd struct {
	Bike string `arg:""`
}

func (c *retireCmd) Run(ctx context.Context, s *services) error {
	return s.engine.RetireBike(ctx, c.Bike, s.now())
}

type relocateCmd struct {
	Bike string `arg:""`
	Rack string `arg:""`
}

func (c *relocateCmd) Run(ctx context.Context, s *services) error {
	return s.engine.RelocateBike(ctx, c.Bike, c.Rack, s.now())
}

type removeRackCmd struct {
	Rack string `arg:""`
}

func (c *removeRackCmd) Run(ctx context.Context, s *services) error {
	return s.engine.RemoveRack(ctx, c.Rack)
}

// updateUserCmd only changes the fields given on the command line.
type updateUserCmd struct {
	RFID      string `arg:"" name:"rfid"`
	FirstName string `name:"first-name"`
	LastName  string `name:"last-name"`
	Email     string `name:"email"`
	Phone     string `name:"phone"`
}

func (c *updateUserCmd) Run(ctx context.Context, s *services) error {
	user, err := s.registry.User(ctx, c.RFID)
	if err != nil {
		return err
	}
	contact := models.Contact{FirstName: user.FirstName, LastName: user.LastName, Email: user.Email, Phone: user.Phone}
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&contact.FirstName, c.FirstName},
		{&contact.LastName, c.LastName},
		{&contact.Email, c.Email},
		{&contact.Phone, c.Phone},
	} {
		if f.src != "" {
			*f.dst = f.src
		}
	}
	updated, err := s.registry.UpdateUserContact(ctx, c.RFID, contact)
	if err != nil {
		return err
	}
	return s.print(updated)
}

type deleteUserCmd struct {
	RFID string `arg:"" name:"rfid"`
}

func (c *deleteUserCmd) Run(ctx context.Context, s *services) error {
	return s.registry.DeleteUser(ctx, c.RFID)
}

type historyCmd struct {
	Kind        string `arg:"" enum:"user,bike,rack"`
	ID          string `arg:""`
	NewestFirst bool   `name:"newest-first" short:"n"`
	Limit       int    `name:"limit" help:"Stop after this many events; 0 prints all."`
}

func (c *historyCmd) Run(ctx context.Context, s *services) error {
	order := models.OldestFirst
	if c.NewestFirst {
		order = models.NewestFirst
	}
	n := 0
	for ev, err := range s.ledger.History(ctx, models.EntityRef{Kind: models.EntityKind(c.Kind), ID: c.ID}, order) {
		if err != nil {
			return err
		}
		if err := s.print(ev); err != nil {
			return err
		}
		if n++; c.Limit > 0 && n >= c.Limit {
			break
		}
	}
	return nil
}

type fixesCmd struct {
	Bike  string        `arg:""`
	Since time.Duration `name:"since" default:"1h" help:"How far back to look."`
}

func (c *fixesCmd) Run(ctx context.Context, s *services) error {
	fixes, err := s.telemetry.RecentFixes(ctx, c.Bike, s.now().Add(-c.Since))
	if err != nil {
		return err
	}
	for _, fix := range fixes {
		if err := s.print(fix); err != nil {
			return err
		}
	}
	return nil
}

type stationLogsCmd struct {
	Station string        `arg:""`
	Since   time.Duration `name:"since" default:"24h"`
	Limit   int64         `name:"limit" default:"20"`
}

func (c *stationLogsCmd) Run(ctx context.Context, s *services) error {
	logs, err := s.telemetry.StationLogs(ctx, c.Station, s.now().Add(-c.Since), c.Limit)
	if err != nil {
		return err
	}
	for _, l := range logs {
		if err := s.print(l); err != nil {
			return err
		}
	}
	return nil
}

type rawCmd struct {
	Topic string        `name:"topic" help:"Only this topic; every topic when empty."`
	Since time.Duration `name:"since" default:"1h"`
	Limit int64         `name:"limit" default:"50"`
}

func (c *rawCmd) Run(ctx context.Context, s *services) error {
	msgs, err := s.telemetry.RawMessages(ctx, c.Topic, s.now().Add(-c.Since), c.Limit)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := s.print(m); err != nil {
			return err
		}
	}
	return nil
}

func parse(args []string, options ...kong.Option) (*cli, *kong.Context, error) {
	var c cli
	options = append([]kong.Option{
		kong.Name("fleetctl"),
		kong.Description("Operator actions on the smartpedals fleet."),
	}, options...)
	parser, err := kong.New(&c, options...)
	if err != nil {
		return nil, nil, err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return nil, nil, err
	}
	return &c, kctx, nil
}

// dispatch runs the selected command.
func dispatch(ctx context.Context, kctx *kong.Context, s *services) error {
	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(s)
}

func newServices(backend *db.Backend, c *cli, logger *log.Logger, out io.Writer) *services {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	tele := telemetry.New(backend.Telemetry, telemetry.Policy{
		Location:   c.LocationRetention,
		StationLog: c.StationLogRetention,
		Raw:        c.RawRetention,
	}, observability.Component(logger, "telemetry"), metrics)
	return &services{
		registry:  registry.New(backend.Store, observability.Component(logger, "registry"), c.OpTimeout),
		engine:    engine.New(backend.Store, observability.Component(logger, "engine"), metrics, c.OpTimeout),
		ledger:    ledger.New(backend.Store),
		telemetry: tele,
		out:       out,
		now:       time.Now,
	}
}

func run(args []string) (err error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, kctx, err := parse(args)
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(c.LogLevel, "text", os.Stderr)
	if err != nil {
		return err
	}
	backend, err := db.Open(ctx, c.Store, c.MongoURI, c.MongoDB, db.Retention{
		Location:   c.LocationRetention,
		StationLog: c.StationLogRetention,
		Raw:        c.RawRetention,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := backend.Close(context.Background()); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return dispatch(ctx, kctx, newServices(backend, c, logger, os.Stdout))
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatalf("fleetctl: %v", err)
	}
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("fleetctl: %v", err)
	}
}

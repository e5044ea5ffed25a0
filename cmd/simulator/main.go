// Command simulator drives smartpedals bikes around Liège over MQTT. Each
// docked bike is repeatedly unlocked for a rider, ridden to another rack while
// reporting GPS fixes, and locked there, exactly as rack and bike firmware do.
package main

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alecthomas/kong"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/smartpedals/internal/gateway"
	"github.com/ukydev/smartpedals/internal/models"
)

// Rack positions of the sample fleet.
var racks = map[string]models.Coordinates{
	"rack001": {Lat: 50.619513, Lon: 5.582300}, // Parking Gloesener
	"rack002": {Lat: 50.619580, Lon: 5.582410}, // Parking Gloesener
	"rack003": {Lat: 50.608790, Lon: 5.606638}, // Parking Seraing
	"rack004": {Lat: 50.608850, Lon: 5.606700}, // Parking Seraing
}

type cli struct {
	Broker         string        `name:"broker" env:"MQTT_URL" default:"tcp://localhost:1883"`
	Username       string        `name:"username" env:"MQTT_USERNAME"`
	Password       string        `name:"password" env:"MQTT_PASSWORD"`
	AuthTopic      string        `name:"auth-topic" default:"hepl/auth"`
	AuthReplyTopic string        `name:"auth-reply-topic" default:"hepl/auth_reply"`
	LocationTopic  string        `name:"location-topic" default:"hepl/location"`
	Riders         []string      `name:"riders" env:"SIM_RIDERS" default:"rfid123,rfid456" help:"Badges used to unlock bikes."`
	Bikes          []string      `name:"bikes" env:"SIM_BIKES" default:"bike001@rack001" help:"Docked bikes to ride, as bike@rack."`
	Tick           time.Duration `name:"tick" env:"SIM_TICK" default:"2s" help:"Interval between GPS fixes."`
	SpeedKmh       float64       `name:"speed" env:"SIM_SPEED_KMH" default:"18"`
	OSRMURL        string        `name:"osrm-url" env:"SIM_OSRM_URL" help:"OSRM server for cycling routes; straight lines when empty."`
	ReplyTimeout   time.Duration `name:"reply-timeout" default:"10s"`
}

// --- Routing & movement ---

type route struct {
	points    []models.Coordinates
	segIndex  int
	segOffset float64 // km along current segment
}

func (r *route) done() bool { return r.segIndex >= len(r.points)-1 }

// step advances km along the route and returns the new position.
func (r *route) step(km float64) models.Coordinates {
	for km > 0 && !r.done() {
		segLen := haversineKm(r.points[r.segIndex], r.points[r.segIndex+1])
		left := segLen - r.segOffset
		if km >= left {
			r.segIndex++
			r.segOffset = 0
			km -= left
			continue
		}
		r.segOffset += km
		km = 0
	}
	return r.position()
}

func (r *route) position() models.Coordinates {
	if r.done() {
		return r.points[len(r.points)-1]
	}
	a, b := r.points[r.segIndex], r.points[r.segIndex+1]
	segLen := haversineKm(a, b)
	if segLen == 0 {
		return a
	}
	return lerp(a, b, r.segOffset/segLen)
}

func haversineKm(a, b models.Coordinates) float64 {
	R := 6371.0
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	s := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return R * 2 * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
}

func lerp(a, b models.Coordinates, t float64) models.Coordinates {
	t = math.Max(0, math.Min(1, t))
	return models.Coordinates{Lat: a.Lat + (b.Lat-a.Lat)*t, Lon: a.Lon + (b.Lon-a.Lon)*t}
}

func jitter(base models.Coordinates, meters float64) models.Coordinates {
	latMetersPerDeg := 111320.0
	lonMetersPerDeg := 111320.0 * math.Cos(base.Lat*math.Pi/180)
	dLat := (rand.Float64()*2 - 1) * (meters / latMetersPerDeg)
	dLon := (rand.Float64()*2 - 1) * (meters / lonMetersPerDeg)
	return models.Coordinates{Lat: base.Lat + dLat, Lon: base.Lon + dLon}
}

// fetchOSRMRoute asks an OSRM server for a cycling route.
func fetchOSRMRoute(ctx context.Context, baseURL string, start, end models.Coordinates) ([]models.Coordinates, error) {
	url := fmt.Sprintf("%s/route/v1/cycling/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson",
		strings.TrimRight(baseURL, "/"), start.Lon, start.Lat, end.Lon, end.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("osrm status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var obj struct {
		Routes []struct {
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	if len(obj.Routes) == 0 || len(obj.Routes[0].Geometry.Coordinates) < 2 {
		return nil, fmt.Errorf("no route")
	}
	pts := make([]models.Coordinates, 0, len(obj.Routes[0].Geometry.Coordinates))
	for _, c := range obj.Routes[0].Geometry.Coordinates {
		if len(c) < 2 {
			continue
		}
		pts = append(pts, models.Coordinates{Lat: c[1], Lon: c[0]})
	}
	return pts, nil
}

// --- Broker side ---

type publishFunc func(topic string, payload []byte) error

type simulator struct {
	cfg     cli
	publish publishFunc
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	mu      sync.Mutex
	waiters map[string]chan gateway.AuthReply
}

func newSimulator(cfg cli, publish publishFunc) *simulator {
	return &simulator{
		cfg:     cfg,
		publish: publish,
		sleep:   sleepCtx,
		now:     time.Now,
		waiters: map[string]chan gateway.AuthReply{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver hands an auth reply to the ride waiting on that bike.
func (s *simulator) deliver(payload []byte) {
	var reply gateway.AuthReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		log.WithError(err).Warn("Bad auth reply")
		return
	}
	s.mu.Lock()
	ch := s.waiters[reply.BikeID]
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

// auth publishes a rack request and waits for the matching reply.
func (s *simulator) auth(ctx context.Context, req gateway.AuthRequest) (bool, error) {
	ch := make(chan gateway.AuthReply, 1)
	s.mu.Lock()
	s.waiters[req.BikeID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, req.BikeID)
		s.mu.Unlock()
	}()

	req.Timestamp = s.now().UTC().Format(time.RFC3339)
	body, err := json.Marshal(req)
	if err != nil {
		return false, err
	}
	if err := s.publish(s.cfg.AuthTopic, body); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReplyTimeout)
	defer cancel()
	select {
	case reply := <-ch:
		entry := log.WithFields(log.Fields{"bike_id": req.BikeID, "rack_id": req.RackID, "action": req.Action})
		if reply.Action != gateway.ReplyAccept {
			entry.WithField("reason", reply.Reason).Warn("Request denied")
			return false, nil
		}
		entry.Info("Request accepted")
		return true, nil
	case <-ctx.Done():
		return false, fmt.Errorf("no reply for %s %s: %w", req.Action, req.BikeID, ctx.Err())
	}
}

func (s *simulator) sendFix(bikeID string, pos models.Coordinates) error {
	body, err := json.Marshal(gateway.LocationMessage{
		BikeID:      bikeID,
		Timestamp:   s.now().UTC().Format(time.RFC3339Nano),
		Satellites:  4 + rand.Intn(5),
		Coordinates: &pos,
	})
	if err != nil {
		return err
	}
	return s.publish(s.cfg.LocationTopic, body)
}

func (s *simulator) plan(ctx context.Context, from, to models.Coordinates) *route {
	if s.cfg.OSRMURL != "" {
		pts, err := fetchOSRMRoute(ctx, s.cfg.OSRMURL, from, to)
		if err == nil {
			return &route{points: pts}
		}
		log.WithError(err).Warn("OSRM routing failed, riding straight")
	}
	return &route{points: []models.Coordinates{from, jitter(lerp(from, to, 0.5), 150), to}}
}

// ride takes bikeID out of rackID for rider and docks it at another rack.
// It returns the rack the bike ends up in.
func (s *simulator) ride(ctx context.Context, bikeID, rider, rackID string) (string, error) {
	ok, err := s.auth(ctx, gateway.AuthRequest{UserID: rider, BikeID: bikeID, RackID: rackID, Action: gateway.ActionUnlock})
	if err != nil || !ok {
		return rackID, err
	}

	dest := otherRacks(rackID)
	r := s.plan(ctx, racks[rackID], racks[dest[0]])
	km := s.cfg.SpeedKmh * s.cfg.Tick.Hours()
	for !r.done() {
		if err := s.sleep(ctx, s.cfg.Tick); err != nil {
			return "", err
		}
		if err := s.sendFix(bikeID, r.step(km)); err != nil {
			log.WithError(err).Error("Failed to send location")
		}
	}

	// Try the racks nearest first until one accepts the bike.
	for _, rack := range dest {
		ok, err := s.auth(ctx, gateway.AuthRequest{UserID: rider, BikeID: bikeID, RackID: rack, Action: gateway.ActionLock})
		if err != nil {
			return "", err
		}
		if ok {
			return rack, nil
		}
	}
	return "", fmt.Errorf("no free rack for %s", bikeID)
}

// otherRacks lists every rack but from, farthest first so rides leave the
// station, then by id.
func otherRacks(from string) []string {
	out := make([]string, 0, len(racks))
	for id := range racks {
		if id != from {
			out = append(out, id)
		}
	}
	origin := racks[from]
	slices.SortFunc(out, func(a, b string) int {
		da, db := haversineKm(origin, racks[a]), haversineKm(origin, racks[b])
		if c := cmp.Compare(db, da); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return out
}

func (s *simulator) run(ctx context.Context, bikeID, rackID string) {
	for ctx.Err() == nil {
		rider := s.cfg.Riders[rand.Intn(len(s.cfg.Riders))]
		next, err := s.ride(ctx, bikeID, rider, rackID)
		if err != nil {
			log.WithError(err).WithField("bike_id", bikeID).Error("Ride failed")
		}
		if next != "" {
			rackID = next
		}
		if err := s.sleep(ctx, 5*s.cfg.Tick); err != nil {
			return
		}
	}
}

func parseBike(arg string) (bikeID, rackID string, err error) {
	bikeID, rackID, ok := strings.Cut(arg, "@")
	if !ok || bikeID == "" {
		return "", "", fmt.Errorf("bike %q: want bike@rack", arg)
	}
	if _, known := racks[rackID]; !known {
		return "", "", fmt.Errorf("bike %q: unknown rack %q", arg, rackID)
	}
	return bikeID, rackID, nil
}

func main() {
	var cfg cli
	kong.Parse(&cfg, kong.Name("simulator"), kong.Description("Ride smartpedals bikes over MQTT."))
	if len(cfg.Riders) == 0 {
		log.Fatal("At least one rider is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var sim *simulator
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("simulator-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			c.Subscribe(cfg.AuthReplyTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
				sim.deliver(msg.Payload())
			})
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	sim = newSimulator(cfg, func(topic string, payload []byte) error {
		token := client.Publish(topic, 1, false, payload)
		if !token.WaitTimeout(5 * time.Second) {
			return fmt.Errorf("publish to %s timed out", topic)
		}
		return token.Error()
	})
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.WithError(token.Error()).Fatal("Failed to connect to broker")
	}
	defer client.Disconnect(250)

	log.WithFields(log.Fields{
		"broker": cfg.Broker,
		"bikes":  cfg.Bikes,
		"tick":   cfg.Tick,
	}).Info("Starting bike simulation")

	var wg sync.WaitGroup
	for _, arg := range cfg.Bikes {
		bikeID, rackID, err := parseBike(arg)
		if err != nil {
			log.WithError(err).Error("Skipping bike")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.run(ctx, bikeID, rackID)
		}()
	}
	wg.Wait()
	log.Info("Simulation stopped")
}

// Package gateway bridges the device MQTT broker and the ingestion service.
// Racks ask for unlock/lock on the auth topic and get accept/deny on the
// reply topic; bikes report GPS fixes on the location topic. Every message
// received is archived verbatim first.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/ukydev/smartpedals/internal/ingest"
	"github.com/ukydev/smartpedals/internal/models"
	"github.com/ukydev/smartpedals/internal/observability"
)

// Ingestor is the part of the ingestion service the gateway drives.
type Ingestor interface {
	SubmitUndock(ctx context.Context, cmd ingest.UndockCommand) error
	SubmitDock(ctx context.Context, cmd ingest.DockCommand) error
	SubmitLocationFix(ctx context.Context, cmd ingest.LocationFixCommand) error
}

// Archiver keeps a raw copy of every broker message.
type Archiver interface {
	Archive(ctx context.Context, topic string, payload []byte, ts time.Time) error
}

// Publisher sends a payload to a broker topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Topics names the broker topics. Extra topics are subscribed to and
// archived but otherwise ignored.
type Topics struct {
	Auth      string
	AuthReply string
	Location  string
	Extra     []string
}

// DefaultTopics are the topics the smartpedals firmware uses.
func DefaultTopics() Topics {
	return Topics{
		Auth:      "hepl/auth",
		AuthReply: "hepl/auth_reply",
		Location:  "hepl/location",
		Extra:     []string{"hepl/parked", "hepl/sensors"},
	}
}

// Gateway turns broker messages into ingestion calls.
type Gateway struct {
	ingestor Ingestor
	archive  Archiver
	pub      Publisher
	topics   Topics
	limiter  *BikeLimiter
	log      *log.Entry
	metrics  *observability.Metrics
	timeout  time.Duration
	now      func() time.Time
}

// New creates a gateway. Each message is handled within timeout.
func New(ingestor Ingestor, archive Archiver, pub Publisher, topics Topics, limiter *BikeLimiter, logger *log.Entry, metrics *observability.Metrics, timeout time.Duration) *Gateway {
	return &Gateway{
		ingestor: ingestor,
		archive:  archive,
		pub:      pub,
		topics:   topics,
		limiter:  limiter,
		log:      logger,
		metrics:  metrics,
		timeout:  timeout,
		now:      time.Now,
	}
}

func (g *Gateway) count(topic, result string) {
	g.metrics.GatewayMessages.WithLabelValues(topic, result).Inc()
}

// Handle archives a message and dispatches it by topic. A failed archive is
// logged and does not stop the dispatch.
func (g *Gateway) Handle(ctx context.Context, topic string, payload []byte) {
	actx, cancel := context.WithTimeout(ctx, g.timeout)
	err := g.archive.Archive(actx, topic, payload, g.now())
	cancel()
	if err != nil {
		g.log.WithError(err).WithField("topic", topic).Warn("archive message")
	}

	switch topic {
	case g.topics.Auth:
		g.HandleAuth(ctx, payload)
	case g.topics.Location:
		_ = g.HandleLocation(ctx, payload)
	default:
		g.count(topic, "archived")
	}
}

// HandleAuth decides an unlock or lock request and publishes the reply.
// Anything that cannot be applied, malformed input included, is denied.
func (g *Gateway) HandleAuth(ctx context.Context, payload []byte) AuthReply {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var req AuthRequest
	err := decode(payload, &req)
	if err == nil {
		err = g.applyAuth(ctx, req)
	}

	reply := AuthReply{
		BikeID:    req.BikeID,
		RackID:    req.RackID,
		Type:      ReplyType,
		Action:    ReplyAccept,
		UserID:    req.UserID,
		Timestamp: g.now().UTC().Format(time.RFC3339),
	}
	entry := g.log.WithFields(log.Fields{"bikeId": req.BikeID, "rackId": req.RackID, "rfid": req.UserID, "action": req.Action})
	if err != nil {
		reply.Action = ReplyDeny
		reply.Reason = observability.Outcome(err)
		entry.WithError(err).Info("auth request denied")
	} else {
		entry.Info("auth request accepted")
	}
	g.count(g.topics.Auth, reply.Action)

	body, merr := json.Marshal(reply)
	if merr != nil {
		g.log.WithError(merr).Error("encode auth reply")
		return reply
	}
	if perr := g.pub.Publish(g.topics.AuthReply, body); perr != nil {
		g.log.WithError(perr).Error("publish auth reply")
	}
	return reply
}

func (g *Gateway) applyAuth(ctx context.Context, req AuthRequest) error {
	ts, err := parseTimestamp(req.Timestamp)
	if err != nil {
		return err
	}
	if req.UserID == "" {
		return &models.ValidationError{Field: "user_id", Reason: "required"}
	}
	switch req.Action {
	case ActionUnlock:
		return g.ingestor.SubmitUndock(ctx, ingest.UndockCommand{
			BikeID:    req.BikeID,
			UserRFID:  req.UserID,
			RackID:    req.RackID,
			Timestamp: ts,
		})
	case ActionLock:
		return g.ingestor.SubmitDock(ctx, ingest.DockCommand{
			BikeID:    req.BikeID,
			UserRFID:  req.UserID,
			RackID:    req.RackID,
			Timestamp: ts,
		})
	default:
		return fmt.Errorf("unknown auth action %q", req.Action)
	}
}

// HandleLocation records a GPS report. Floods from one bike are dropped.
func (g *Gateway) HandleLocation(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var msg LocationMessage
	if err := decode(payload, &msg); err != nil {
		g.count(g.topics.Location, "invalid")
		return err
	}
	if msg.BikeID != "" && !g.limiter.Allow(msg.BikeID) {
		g.count(g.topics.Location, "rate_limited")
		g.log.WithField("bikeId", msg.BikeID).Debug("location dropped by rate limit")
		return nil
	}
	coords, err := msg.Coords()
	if err == nil {
		var ts time.Time
		if ts, err = parseTimestamp(msg.Timestamp); err == nil {
			err = g.ingestor.SubmitLocationFix(ctx, ingest.LocationFixCommand{
				BikeID:      msg.BikeID,
				Timestamp:   ts,
				Satellites:  msg.Satellites,
				Coordinates: coords,
			})
		}
	}
	g.count(g.topics.Location, observability.Outcome(err))
	var nf *models.NotFoundError
	if errors.As(err, &nf) {
		g.limiter.Forget(msg.BikeID)
	}
	if err != nil {
		g.log.WithError(err).WithField("bikeId", msg.BikeID).Warn("location rejected")
		return err
	}
	return nil
}

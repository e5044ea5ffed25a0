package gateway

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// BrokerConfig holds the MQTT connection settings.
type BrokerConfig struct {
	URL            string
	ClientIDPrefix string
	Username       string
	Password       string
	QoS            byte
}

// pahoPublisher publishes through a paho client.
type pahoPublisher struct {
	client mqtt.Client
	qos    byte
}

func (p *pahoPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// Client owns the broker connection and feeds the gateway.
type Client struct {
	cfg     BrokerConfig
	client  mqtt.Client
	gateway *Gateway
	log     *log.Entry
}

// NewClient builds a paho client. Subscriptions are restored on every
// (re)connect. The gateway's publisher is bound to this client.
func NewClient(cfg BrokerConfig, build func(Publisher) *Gateway, logger *log.Entry) *Client {
	c := &Client{cfg: cfg, log: logger}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientIDPrefix + "-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(c.subscribe)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.log.WithError(err).Warn("mqtt connection lost")
	})

	c.client = mqtt.NewClient(opts)
	c.gateway = build(&pahoPublisher{client: c.client, qos: cfg.QoS})
	return c
}

func (c *Client) subscribe(client mqtt.Client) {
	topics := c.gateway.topics
	filters := map[string]byte{topics.Auth: c.cfg.QoS, topics.Location: c.cfg.QoS}
	for _, topic := range topics.Extra {
		filters[topic] = c.cfg.QoS
	}
	token := client.SubscribeMultiple(filters, c.route)
	if token.WaitTimeout(10*time.Second) && token.Error() == nil {
		c.log.WithFields(log.Fields{"auth": topics.Auth, "location": topics.Location, "extra": topics.Extra}).Info("mqtt subscribed")
		return
	}
	c.log.WithError(token.Error()).Error("mqtt subscribe failed")
}

func (c *Client) route(_ mqtt.Client, msg mqtt.Message) {
	c.gateway.Handle(context.Background(), msg.Topic(), msg.Payload())
}

// Connect dials the broker and waits for the first connection until ctx is
// done. Later drops are retried by paho.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", c.cfg.URL, err)
		}
		c.log.WithField("broker", c.cfg.URL).Info("mqtt connected")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects, letting in-flight work finish for up to 250ms.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

// Package mqttclient publishes operation status events and receives start
// requests over MQTT.
package mqttclient

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 10 * time.Second
	// start requests and status events are both QoS 1
	qos byte = 1
)

type MessageHandler func(topic string, payload []byte)

type Client struct {
	conn      mqtt.Client
	topics    []string
	connected atomic.Bool
	handler   atomic.Pointer[MessageHandler]
	log       zerolog.Logger
}

type Options struct {
	BrokerURL string
	ClientID  string
	// Topics is a comma-separated subscription list. Empty subscribes to
	// nothing; the client then only publishes.
	Topics   string
	Username string
	Password string
	Log      zerolog.Logger
}

// Connect dials the broker and blocks until the first connection succeeds
// or connectTimeout passes. Later drops reconnect in the background and
// resubscribe.
func Connect(opts Options) (*Client, error) {
	c := &Client{
		topics: parseTopics(opts.Topics),
		log:    opts.Log,
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.conn.Disconnect(0)
		return nil, fmt.Errorf("connect %s: timed out after %s", opts.BrokerURL, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.BrokerURL, err)
	}
	return c, nil
}

// SetMessageHandler installs the callback for subscribed topics. Messages
// arriving before a handler is set are dropped.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handler.Store(&h)
}

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	if len(c.topics) == 0 {
		c.log.Info().Msg("mqtt connected")
		return
	}
	c.log.Info().Strs("topics", c.topics).Msg("mqtt connected, subscribing")

	filters := make(map[string]byte, len(c.topics))
	for _, t := range c.topics {
		filters[t] = qos
	}
	// onConnect runs on paho's connection goroutine; don't block it on the ack
	token := client.SubscribeMultiple(filters, c.onMessage)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Error().Err(err).Msg("mqtt subscribe failed")
		}
	}()
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if h := c.handler.Load(); h != nil {
		(*h)(msg.Topic(), msg.Payload())
		return
	}
	c.log.Debug().Str("topic", msg.Topic()).Msg("mqtt message dropped, no handler")
}

// Publish sends payload at QoS 1 and waits for the broker to acknowledge.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.conn.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	return token.Error()
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

func parseTopics(raw string) []string {
	var topics []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

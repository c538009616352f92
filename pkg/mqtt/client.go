// Package mqtt connects the node to its on-board sensor bus and radio uplink
package mqtt

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Client manages the broker connection. Subscribing and publishing live in Bridge and Uplink.
type Client struct {
	client paho.Client
	logger zerolog.Logger
}

// NewClient connects to the broker
func NewClient(cfg ClientConfig, logger zerolog.Logger) (*Client, error) {
	logger = logger.With().Str("component", "mqtt").Str("broker", cfg.Broker).Logger()

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(false)
	// Persistent session keeps the bridge subscriptions across reconnects
	opts.SetCleanSession(false)
	opts.SetResumeSubs(true)
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		logger.Debug().Str("topic", msg.Topic()).Msg("Unrouted MQTT message")
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info().Msg("MQTT connection established")
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &Client{client: client, logger: logger}, nil
}

// Native returns the underlying paho client
func (c *Client) Native() paho.Client {
	return c.client
}

// IsConnected returns whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close disconnects, allowing in-flight work 250ms to complete
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Info().Msg("MQTT disconnected")
}

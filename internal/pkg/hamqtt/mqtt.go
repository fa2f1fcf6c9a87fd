package hamqtt

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/jake-scott/ryobi-gdo/internal/pkg/logging"
)

const connectTimeout = 10 * time.Second

// Config describes the broker connection and topic layout.
type Config struct {
	BrokerURL       string // e.g. tcp://broker:1883 or ssl://broker:8883
	Username        string
	Password        string
	ClientID        string // randomized when empty
	BaseTopic       string // default "ryobi-gdo"
	DiscoveryPrefix string // default "homeassistant"
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "ryobi-gdo-" + uuid.New().String()[:8]
	}
	if c.BaseTopic == "" {
		c.BaseTopic = "ryobi-gdo"
	}
	if c.DiscoveryPrefix == "" {
		c.DiscoveryPrefix = "homeassistant"
	}
	return c
}

// Client is a thin wrapper over the paho client with the availability
// topic wired as the broker-side LWT.
type Client struct {
	mqtt mqtt.Client
	cfg  Config
}

// Connect dials the broker.  The client auto-reconnects; the LWT marks
// the bridge offline if we vanish without saying goodbye.
func Connect(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetWill(cfg.BaseTopic+"/availability", payloadOffline, 0, true)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logging.Logger(nil).Infof("connected to MQTT broker %s", cfg.BrokerURL)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logging.Logger(nil).WithError(err).Warn("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errors.Errorf("timed out connecting to MQTT broker %s", cfg.BrokerURL)
	}
	if token.Error() != nil {
		return nil, errors.Wrap(token.Error(), "connecting to MQTT broker")
	}

	return &Client{mqtt: client, cfg: cfg}, nil
}

func (c *Client) Publish(topic string, retain bool, payload []byte) error {
	if token := c.mqtt.Publish(topic, 0, retain, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "publishing to %s", topic)
	}
	return nil
}

func (c *Client) Subscribe(topic string, cb func(topic string, payload []byte)) error {
	handler := func(_ mqtt.Client, msg mqtt.Message) {
		cb(msg.Topic(), msg.Payload())
	}
	if token := c.mqtt.Subscribe(topic, 0, handler); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "subscribing to %s", topic)
	}
	return nil
}

// Close marks the bridge offline and disconnects.
func (c *Client) Close() {
	_ = c.Publish(c.cfg.BaseTopic+"/availability", true, []byte(payloadOffline))
	c.mqtt.Disconnect(250)
}

func (c *Client) String() string {
	return fmt.Sprintf("mqtt[%s as %s]", c.cfg.BrokerURL, c.cfg.ClientID)
}

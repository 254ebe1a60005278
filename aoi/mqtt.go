package aoi

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kwv/gazeaoi/internal/log"
)

// GazeHandler is called for every gaze sample received over MQTT.
type GazeHandler func(sample GazeSample)

// MQTTClient manages the broker connection, the gaze subscription and the
// client used by the Publisher.
type MQTTClient struct {
	client      mqtt.Client
	config      *Config
	gazeHandler GazeHandler
	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTClient builds a client from config. It returns nil, nil when no
// broker is configured (MQTT disabled). Call Start to connect.
func NewMQTTClient(config *Config, handler GazeHandler) (*MQTTClient, error) {
	if config == nil {
		return nil, fmt.Errorf("MQTT client requires a configuration")
	}
	if !config.MQTTEnabled() {
		log.Info(nil, "MQTT disabled: no broker configured")
		return nil, nil
	}

	c := &MQTTClient{
		config:      config,
		gazeHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTT.Broker)
	opts.SetClientID(config.MQTT.ClientID)
	if config.MQTT.Username != "" {
		opts.SetUsername(config.MQTT.Username)
		opts.SetPassword(config.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true) // gaze samples must arrive in order

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// newMQTTClientWithMock creates an MQTTClient around a provided mqtt.Client.
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler GazeHandler) *MQTTClient {
	return &MQTTClient{
		client:      client,
		config:      config,
		gazeHandler: handler,
	}
}

// Start connects in the background, retrying with exponential backoff until
// it succeeds or ctx is cancelled.
func (c *MQTTClient) Start(ctx context.Context) {
	go c.connectWithRetry(ctx)
}

func (c *MQTTClient) connectWithRetry(ctx context.Context) {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Info(log.Fields{"broker": c.config.MQTT.Broker}, "connecting to MQTT broker")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Info(nil, "connected to MQTT broker")
				c.setConnected(true)
				return
			}
			log.Warn(log.Fields{"error": token.Error()}, "MQTT connection failed")
		} else {
			log.Warn(nil, "MQTT connection timeout")
		}

		log.Info(log.Fields{"delay": retryDelay.String()}, "retrying MQTT connection")
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
		retryDelay = min(retryDelay*2, maxRetryDelay)
	}
}

// onConnect subscribes to the gaze topic. It runs again after every
// reconnect since sessions are clean.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	topic := c.config.MQTT.GazeTopic
	if topic == "" || c.gazeHandler == nil {
		return
	}

	token := client.Subscribe(topic, 0, c.handleGazeMessage)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Error(log.Fields{"topic": topic, "error": token.Error()}, "gaze subscription failed")
		return
	}
	log.Info(log.Fields{"topic": topic}, "subscribed to gaze topic")
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Warn(log.Fields{"error": err}, "MQTT connection interrupted, auto-reconnect will retry")
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Debug(nil, "MQTT reconnecting")
}

// handleGazeMessage accepts a single GazeSample object or an array of them.
func (c *MQTTClient) handleGazeMessage(client mqtt.Client, msg mqtt.Message) {
	samples, err := DecodeGazePayload(msg.Payload())
	if err != nil {
		log.Warn(log.Fields{"topic": msg.Topic(), "error": err}, "dropping malformed gaze payload")
		return
	}
	for _, s := range samples {
		c.gazeHandler(s)
	}
}

// DecodeGazePayload parses a JSON gaze object or array of objects.
func DecodeGazePayload(payload []byte) ([]GazeSample, error) {
	var batch []GazeSample
	if err := json.Unmarshal(payload, &batch); err == nil {
		return batch, nil
	}
	var single GazeSample
	if err := json.Unmarshal(payload, &single); err != nil {
		return nil, fmt.Errorf("decoding gaze payload: %w", err)
	}
	return []GazeSample{single}, nil
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Info(nil, "disconnecting from MQTT broker")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// Client returns the underlying MQTT client for publishing.
func (c *MQTTClient) Client() mqtt.Client {
	return c.client
}

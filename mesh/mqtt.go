package mesh

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/kwv/tudoscan/cloud"
)

// MQTTClient manages the broker connection and routes scans by topic
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	messageHandler MessageHandler
	isConnected    bool
	mu             sync.RWMutex
}

// MessageHandler is called when a scan message is received.
// scan is nil and err set when the payload could not be decoded.
type MessageHandler func(robotID string, scan *cloud.PointSet[float64], err error)

// mqttSettings are the connection parameters after environment overrides.
type mqttSettings struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// resolveMQTTSettings applies MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME and
// MQTT_PASSWORD over the config file values.
func resolveMQTTSettings(cfg MQTTConfig) mqttSettings {
	s := mqttSettings{
		Broker:   envOr("MQTT_BROKER", cfg.Broker),
		ClientID: envOr("MQTT_CLIENT_ID", cfg.ClientID),
		Username: envOr("MQTT_USERNAME", cfg.Username),
		Password: envOr("MQTT_PASSWORD", cfg.Password),
	}
	if s.ClientID == "" {
		s.ClientID = "tudoscan"
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// InitMQTT creates the client and starts connecting in the background.
// If neither MQTT_BROKER nor mqtt.broker is set, MQTT is disabled and this returns nil
func InitMQTT(config *Config, handler MessageHandler) (*MQTTClient, error) {
	var cfg MQTTConfig
	if config != nil {
		cfg = config.MQTT
	}
	settings := resolveMQTTSettings(cfg)
	if settings.Broker == "" {
		log.Println("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || len(config.Robots) == 0 {
		return nil, fmt.Errorf("MQTT enabled but no robot configuration provided")
	}

	client := &MQTTClient{
		config:         config,
		messageHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(settings.Broker)
	opts.SetClientID(settings.ClientID)
	if settings.Username != "" {
		opts.SetUsername(settings.Username)
		opts.SetPassword(settings.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] Connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] Connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] connection timeout")
		}

		log.Printf("[MQTT] Retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to every robot's scan topic in one request
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	filters := make(map[string]byte, len(c.config.Robots))
	for _, robot := range c.config.Robots {
		if robot.Topic == "" {
			log.Printf("[MQTT] Warning: robot %s has no topic configured", robot.ID)
			continue
		}
		filters[robot.Topic] = 0
	}
	if len(filters) == 0 {
		return
	}

	log.Printf("[MQTT] connected, subscribing to %d robot scan topics", len(filters))
	token := client.SubscribeMultiple(filters, c.handleScan)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] Error subscribing: %v", token.Error())
	}
}

// onConnectionLost is called when the MQTT connection is lost
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] reconnecting...")
}

// handleScan decodes a scan payload and hands it to the handler under the
// robot ID its topic belongs to.
func (c *MQTTClient) handleScan(client mqtt.Client, msg mqtt.Message) {
	robotID, ok := c.GetRobotByTopic(msg.Topic())
	if !ok {
		log.Printf("[MQTT] Ignoring message on unmapped topic %s", msg.Topic())
		return
	}
	payload := msg.Payload()
	log.Printf("[MQTT] Received scan for %s (%d bytes)", robotID, len(payload))

	// Raw JSON or zlib-compressed JSON
	scan, ps, err := cloud.DecodeScanData(payload)
	if err != nil {
		log.Printf("[MQTT] Error decoding scan for %s: %v", robotID, err)
		ps = nil
	} else if scan.ID != "" && scan.ID != robotID {
		log.Printf("[MQTT] Warning: scan on %s claims id %q, treating it as %s", msg.Topic(), scan.ID, robotID)
	}

	if c.messageHandler != nil {
		c.messageHandler(robotID, ps, err)
	}
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
		log.Println("[MQTT] Disconnecting from broker...")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetRobotByTopic returns the robot ID for a given topic
func (c *MQTTClient) GetRobotByTopic(topic string) (string, bool) {
	for _, robot := range c.config.Robots {
		if robot.Topic == topic {
			return robot.ID, true
		}
	}
	return "", false
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler MessageHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		messageHandler: handler,
	}
}

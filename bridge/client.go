package bridge

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	stdlog "log"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Client wraps the MQTT client with connection management and TLS setup.
type Client struct {
	client       paho.Client
	clientID     string
	enabled      bool
	log          zerolog.Logger
	onConnect    func()
	onDisconnect func()
	onMessage    func(topic string, payload []byte)
}

// Config holds MQTT connection settings.
type Config struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// Handlers holds callback functions for MQTT events.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func()
	OnMessage    func(topic string, payload []byte)
}

// NewClient creates an MQTT client. Returns a disabled no-op client if host
// is empty.
func NewClient(cfg Config, clientID string, handlers Handlers, log zerolog.Logger) (*Client, error) {
	c := &Client{
		clientID:     clientID,
		log:          log,
		onConnect:    handlers.OnConnect,
		onDisconnect: handlers.OnDisconnect,
		onMessage:    handlers.OnMessage,
	}

	if cfg.Host == "" {
		c.enabled = false
		log.Info().Msg("mqtt disabled (no host configured)")
		return c, nil
	}

	c.enabled = true

	// Route the paho library's internal loggers through ours.
	paho.ERROR = stdlog.New(log.With().Str("mqtt", "error").Logger(), "", 0)
	paho.CRITICAL = stdlog.New(log.With().Str("mqtt", "critical").Logger(), "", 0)
	paho.WARN = stdlog.New(log.With().Str("mqtt", "warn").Logger(), "", 0)

	var broker string
	var tlsConfig *tls.Config

	hasTLS := cfg.CACert != "" || cfg.ClientCert != ""

	if hasTLS {
		broker = fmt.Sprintf("ssl://%s:%d", cfg.Host, cfg.Port)

		var err error
		tlsConfig, err = buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("build TLS config: %w", err)
		}
	} else {
		if cfg.Port == 0 {
			cfg.Port = 1883
		}
		broker = fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
		log.Info().Msg("mqtt using non-TLS connection")
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(60 * time.Second).
		SetConnectionLostHandler(c.handleConnectionLost).
		SetOnConnectHandler(c.handleConnect).
		SetDefaultPublishHandler(c.handleMessage)

	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	c.client = paho.NewClient(opts)
	return c, nil
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		caPool := x509.NewCertPool()
		caPool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = caPool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Connect connects to the MQTT broker. If disabled, calls onConnect
// immediately so downstream wiring still initializes.
func (c *Client) Connect() error {
	if !c.enabled {
		if c.onConnect != nil {
			c.onConnect()
		}
		return nil
	}

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect: %w", token.Error())
	}
	c.log.Info().Msg("mqtt connected")
	return nil
}

// Disconnect disconnects from the MQTT broker. No-op if disabled.
func (c *Client) Disconnect() {
	if !c.enabled || c.client == nil {
		return
	}
	c.client.Disconnect(250)
}

// Subscribe subscribes to a topic. No-op if disabled.
func (c *Client) Subscribe(topic string) error {
	if !c.enabled {
		return nil
	}

	if token := c.client.Subscribe(topic, 0, nil); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// Publish publishes a message to a topic, retained. No-op if disabled.
func (c *Client) Publish(topic string, payload string) {
	if !c.enabled {
		return
	}
	c.client.Publish(topic, 0, true, payload)
}

// IsEnabled returns whether MQTT is enabled.
func (c *Client) IsEnabled() bool {
	return c.enabled
}

func (c *Client) handleConnect(client paho.Client) {
	c.log.Info().Msg("mqtt connection established")
	if c.onConnect != nil {
		c.onConnect()
	}
}

func (c *Client) handleConnectionLost(client paho.Client, err error) {
	c.log.Warn().Err(err).Msg("mqtt connection lost")
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

func (c *Client) handleMessage(client paho.Client, msg paho.Message) {
	if c.onMessage != nil {
		c.onMessage(msg.Topic(), msg.Payload())
	}
}

package mqtt

import (
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr"
)

// Transport is the slice of an MQTT client the bridge needs.
type Transport interface {
	Publish(topic string, payload []byte, retained bool)
	Subscribe(topic string, handler func(topic string, payload []byte)) error
}

// ClientConfig holds broker connection settings.
type ClientConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	WillTopic   string
	WillPayload string
}

// Client is a paho-backed Transport that re-subscribes after reconnects.
type Client struct {
	client pahomqtt.Client
	log    logr.Logger

	mu        sync.Mutex
	subs      map[string]func(topic string, payload []byte)
	onConnect []func()
}

func NewClient(cfg ClientConfig, log logr.Logger) (*Client, error) {
	c := &Client{
		log:  log.WithName("mqtt"),
		subs: make(map[string]func(string, []byte)),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			c.log.Info("mqtt connected", "broker", cfg.Broker)
			c.resubscribeAll()
			c.mu.Lock()
			hooks := append([]func(){}, c.onConnect...)
			c.mu.Unlock()
			for _, hook := range hooks {
				hook()
			}
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.log.Error(err, "mqtt connection lost")
		})
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, cfg.WillPayload, 1, true)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return c, nil
}

// OnConnect registers fn to run after every (re)connect.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// Publish never blocks; delivery failures are logged.
func (c *Client) Publish(topic string, payload []byte, retained bool) {
	token := c.client.Publish(topic, 1, retained, payload)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			c.log.Error(err, "mqtt publish failed", "topic", topic)
		}
	}()
}

func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()
	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler func(string, []byte)) error {
	token := c.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt subscribe %s: timeout", topic)
	}
	return token.Error()
}

func (c *Client) resubscribeAll() {
	c.mu.Lock()
	subs := make(map[string]func(string, []byte), len(c.subs))
	for topic, handler := range c.subs {
		subs[topic] = handler
	}
	c.mu.Unlock()
	for topic, handler := range subs {
		if err := c.subscribe(topic, handler); err != nil {
			c.log.Error(err, "mqtt resubscribe failed", "topic", topic)
		}
	}
}

// Close publishes the last words and disconnects.
func (c *Client) Close(topic, payload string) {
	if topic != "" {
		c.client.Publish(topic, 1, true, payload).WaitTimeout(2 * time.Second)
	}
	c.client.Disconnect(1000)
}

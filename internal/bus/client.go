package bus

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/John-Progr/MAITRE-DTs/internal/config"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected     = errors.New("mqtt client not connected")
	ErrConnectTimeout   = errors.New("mqtt connect timed out")
	ErrSubscribeTimeout = errors.New("mqtt subscribe timed out")
	ErrClosed           = errors.New("mqtt client closed")
)

// ConnectivityError is returned when the broker refuses or drops the session.
type ConnectivityError struct {
	Broker string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Broker, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

type Config struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ClientID       string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	QoS            byte
	QueueSize      int
}

// FromConfig maps the broker section of the configuration. clientID is used
// when the section does not name one.
func FromConfig(b config.BrokerConfig, clientID string) Config {
	if b.ClientID != "" {
		clientID = b.ClientID
	}
	return Config{
		Host:           b.Host,
		Port:           b.Port,
		Username:       b.Username,
		Password:       b.Password,
		ClientID:       clientID,
		ConnectTimeout: b.ConnectTimeout(),
		KeepAlive:      time.Duration(b.KeepAliveSeconds) * time.Second,
		QoS:            byte(b.QoS),
		QueueSize:      b.QueueSize,
	}
}

// Factory builds the underlying paho client. Tests swap it for a fake.
type Factory func(*mqtt.ClientOptions) mqtt.Client

type Option func(*Client)

func WithFactory(f Factory) Option {
	return func(c *Client) { c.factory = f }
}

type inbound struct {
	topic   string
	payload []byte
}

// Client is a thin session wrapper around paho. Inbound messages are queued by
// paho's goroutines and handed to the handler by a single dispatcher.
type Client struct {
	cfg     Config
	broker  string
	factory Factory

	// connMu serialises Connect/Disconnect; mu guards the fields below it.
	connMu sync.Mutex

	mu        sync.Mutex
	cli       mqtt.Client
	connected bool
	handler   Handler
	subs      map[string]struct{}

	inbox     chan inbound
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.QoS < 1 {
		cfg.QoS = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	c := &Client{
		cfg:     cfg,
		broker:  fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port),
		factory: mqtt.NewClient,
		subs:    make(map[string]struct{}),
		inbox:   make(chan inbound, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	c.wg.Add(1)
	go c.dispatch()
	return c
}

func (c *Client) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.broker).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetKeepAlive(c.cfg.KeepAlive).
		SetDefaultPublishHandler(c.onMessage)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info().Str("broker", c.broker).Msg("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(lost mqtt.Client, err error) {
		c.mu.Lock()
		if c.cli == lost {
			c.connected = false
		}
		c.mu.Unlock()
		log.Warn().Err(err).Str("broker", c.broker).Msg("mqtt connection lost")
	})
	return opts
}

// Connect opens a session and waits for the broker's CONNACK. Previously
// subscribed topics are subscribed again on success.
func (c *Client) Connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	if c.Connected() {
		return nil
	}

	log.Info().Str("broker", c.broker).Str("client_id", c.cfg.ClientID).Msg("mqtt connecting")

	cli := c.factory(c.options())
	tok := cli.Connect()
	if !tok.WaitTimeout(c.cfg.ConnectTimeout) {
		cli.Disconnect(0)
		log.Error().Str("broker", c.broker).Dur("timeout", c.cfg.ConnectTimeout).Msg("mqtt connect timed out")
		return ErrConnectTimeout
	}
	if err := tok.Error(); err != nil {
		log.Error().Err(err).Str("broker", c.broker).Msg("mqtt connect failed")
		return &ConnectivityError{Broker: c.broker, Err: err}
	}

	c.mu.Lock()
	c.cli = cli
	c.connected = true
	topics := c.subscriptionsLocked()
	c.mu.Unlock()

	for _, topic := range topics {
		if err := c.subscribe(cli, topic); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("resubscribe failed")
		}
	}
	return nil
}

// Disconnect closes the session. Calling it while disconnected is a no-op.
func (c *Client) Disconnect() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	cli := c.cli
	c.cli = nil
	c.connected = false
	c.mu.Unlock()

	if cli == nil {
		return
	}
	cli.Disconnect(250)
	log.Info().Str("broker", c.broker).Msg("mqtt disconnected")
}

// Close disconnects and stops the dispatcher.
func (c *Client) Close() {
	c.Disconnect()
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// EnsureConnection reconnects when the session is down.
func (c *Client) EnsureConnection() error {
	if c.Connected() {
		return nil
	}
	log.Warn().Str("broker", c.broker).Msg("mqtt not connected, reconnecting")
	return c.Connect()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.cli != nil
}

func (c *Client) session() (mqtt.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.cli == nil {
		return nil, false
	}
	return c.cli, true
}

// Publish hands payload to paho and returns without waiting for the broker
// acknowledgement, which is logged when it arrives.
func (c *Client) Publish(topic string, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}

	cli, ok := c.session()
	if !ok {
		return ErrNotConnected
	}

	tok := cli.Publish(topic, c.cfg.QoS, false, data)
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return errors.Wrapf(err, "publish %s", topic)
		}
		log.Debug().Str("topic", topic).Int("bytes", len(data)).Msg("published")
		return nil
	default:
	}

	go func() {
		if !tok.WaitTimeout(30 * time.Second) {
			log.Warn().Str("topic", topic).Msg("publish not acknowledged")
			return
		}
		if err := tok.Error(); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("publish failed")
			return
		}
		log.Debug().Str("topic", topic).Int("bytes", len(data)).Msg("published")
	}()
	return nil
}

// Subscribe registers interest in topic and remembers it for reconnects.
func (c *Client) Subscribe(topic string) error {
	cli, ok := c.session()
	if !ok {
		return ErrNotConnected
	}
	if err := c.subscribe(cli, topic); err != nil {
		return err
	}

	c.mu.Lock()
	c.subs[topic] = struct{}{}
	c.mu.Unlock()
	log.Info().Str("topic", topic).Msg("subscribed")
	return nil
}

func (c *Client) subscribe(cli mqtt.Client, topic string) error {
	tok := cli.Subscribe(topic, c.cfg.QoS, c.onMessage)
	if !tok.WaitTimeout(c.cfg.ConnectTimeout) {
		return errors.Wrap(ErrSubscribeTimeout, topic)
	}
	return errors.Wrapf(tok.Error(), "subscribe %s", topic)
}

func (c *Client) subscriptionsLocked() []string {
	out := make([]string, 0, len(c.subs))
	for t := range c.subs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SetMessageHandler installs the single inbound handler, replacing any previous one.
func (c *Client) SetMessageHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// onMessage runs on paho goroutines and only queues.
func (c *Client) onMessage(_ mqtt.Client, m mqtt.Message) {
	payload := append([]byte(nil), m.Payload()...)
	select {
	case c.inbox <- inbound{topic: m.Topic(), payload: payload}:
	case <-c.done:
	}
}

func (c *Client) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case in := <-c.inbox:
			c.deliver(in)
		}
	}
}

func (c *Client) deliver(in inbound) {
	payload, ok := decodePayload(in.payload)
	if !ok {
		log.Warn().Str("topic", in.topic).Str("raw", string(in.payload)).Msg("payload is not a JSON object")
	}

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		log.Debug().Str("topic", in.topic).Msg("no handler installed, message dropped")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", in.topic).Msg("message handler panicked")
		}
	}()
	h(Message{Topic: in.topic, Payload: payload, Raw: in.payload})
}

type Status struct {
	Connected     bool     `json:"connected"`
	Broker        string   `json:"broker"`
	HasHandler    bool     `json:"has_handler"`
	Subscriptions []string `json:"subscriptions"`
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Connected:     c.connected && c.cli != nil,
		Broker:        c.broker,
		HasHandler:    c.handler != nil,
		Subscriptions: c.subscriptionsLocked(),
	}
}

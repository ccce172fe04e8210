// Package status publishes relay transitions to an MQTT broker as retained
// JSON records, so dashboards see the current state on subscribe.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/v4l2-relayd/internal/config"
	"github.com/e7canasta/v4l2-relayd/internal/relay"
)

const (
	queueSize      = 16
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Record is the JSON payload of one status message.
type Record struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Consumers *int      `json:"consumers,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// NewRecord converts a transition. consumers is included only when known.
func NewRecord(tr relay.Transition, consumers int, known bool) Record {
	rec := Record{
		From:      tr.From.String(),
		To:        tr.To.String(),
		Reason:    tr.Reason,
		SessionID: tr.SessionID,
		At:        tr.At,
	}
	if known {
		n := consumers
		rec.Consumers = &n
	}
	if tr.Err != nil {
		rec.Error = tr.Err.Error()
	}
	return rec
}

// client is the part of mqtt.Client the publisher uses.
type client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Option configures a Publisher.
type Option func(*Publisher)

// withClientFactory replaces mqtt.NewClient.
func withClientFactory(f func(*mqtt.ClientOptions) client) Option {
	return func(p *Publisher) { p.newClient = f }
}

// Publisher sends Records from a background worker. Publish never blocks;
// records are dropped when the queue is full.
type Publisher struct {
	cfg       config.StatusConfig
	newClient func(*mqtt.ClientOptions) client

	client client
	queue  chan Record
	wg     sync.WaitGroup

	mu        sync.RWMutex
	published uint64
	dropped   uint64
	errors    uint64
	closed    bool
}

// Stats contains publisher statistics
type Stats struct {
	Enabled   bool
	Connected bool
	Published uint64
	Dropped   uint64
	Errors    uint64
}

// NewPublisher creates a publisher. It is disabled when cfg.Broker is empty.
func NewPublisher(cfg config.StatusConfig, opts ...Option) *Publisher {
	p := &Publisher{
		cfg: cfg,
		newClient: func(o *mqtt.ClientOptions) client {
			return mqtt.NewClient(o)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool { return p.cfg.Broker != "" }

// Connect establishes connection to the broker and starts the worker. A
// timeout is reported but the client keeps retrying in the background.
func (p *Publisher) Connect(ctx context.Context) error {
	if !p.Enabled() {
		slog.Debug("status publisher disabled, no broker configured")
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", p.cfg.Broker))
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		slog.Info("mqtt connection established",
			"broker", p.cfg.Broker,
			"client_id", p.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", p.cfg.Broker)
	}

	p.mu.Lock()
	p.client = p.newClient(opts)
	p.queue = make(chan Record, queueSize)
	p.mu.Unlock()
	p.wg.Add(1)
	go p.run()

	slog.Info("connecting to mqtt broker", "broker", p.cfg.Broker)

	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

// Publish queues rec. It is safe to call from the event loop.
func (p *Publisher) Publish(rec Record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.queue == nil || p.closed {
		return
	}
	select {
	case p.queue <- rec:
	default:
		p.dropped++
		slog.Warn("status record dropped, queue full", "to", rec.To)
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for rec := range p.queue {
		if err := p.send(rec); err != nil {
			p.mu.Lock()
			p.errors++
			p.mu.Unlock()
			slog.Warn("status publish failed", "error", err, "to", rec.To)
			continue
		}
		p.mu.Lock()
		p.published++
		p.mu.Unlock()
	}
}

func (p *Publisher) send(rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	token := p.client.Publish(p.cfg.Topic, p.cfg.QoS, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	slog.Debug("status published",
		"topic", p.cfg.Topic,
		"to", rec.To,
		"size", len(payload),
	)
	return nil
}

// Close drains the queue and disconnects.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.queue == nil || p.closed {
		p.closed = true
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	if p.client.IsConnected() {
		p.client.Disconnect(250) // 250ms grace period
		slog.Info("mqtt disconnected")
	}
}

// Stats returns publisher statistics
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return Stats{
		Enabled:   p.Enabled(),
		Connected: p.client != nil && p.client.IsConnected(),
		Published: p.published,
		Dropped:   p.dropped,
		Errors:    p.errors,
	}
}

package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/replica-core/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang for telemetry ingestion and publishing.
//
// Unlike a typical long-lived broker connection, the client never reconnects
// on its own: each Connect call is a single attempt and a lost connection
// stays lost until the owner calls Connect again. Subscriptions are dropped
// with the connection and must be re-issued from the OnConnect callback.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client  pahomqtt.Client
	options *pahomqtt.ClientOptions
	cfg     config.MQTTConfig

	subscriptions map[string]byte
	subMu         sync.RWMutex

	connected bool
	attempts  uint64 // Connect calls that reached the broker
	abandoned uint64 // last attempt Connect stopped waiting for
	pending   bool   // an abandoned handshake has not resolved yet
	connMu    sync.RWMutex

	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MessageHandler is the callback signature for received messages.
//
// With order-preserving delivery enabled, handlers run on the client's
// delivery goroutine one at a time, so they must hand work off quickly.
// A returned error is logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

// New builds a disconnected client from cfg. Call Connect to open the session.
func New(cfg config.MQTTConfig) *Client {
	c := &Client{
		cfg:           cfg,
		options:       buildClientOptions(cfg),
		subscriptions: make(map[string]byte),
	}

	c.options.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	c.options.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	c.client = pahomqtt.NewClient(c.options)
	return c
}

// Connect is New followed by a single connection attempt bounded by
// the default connect timeout.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect makes one attempt to open the broker session.
//
// It returns ErrConnectionFailed when the broker refuses or is unreachable,
// when the attempt exceeds the connect timeout, or when ctx ends first.
// On success the OnConnect callback fires asynchronously.
func (c *Client) Connect(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	c.connMu.Lock()
	if c.pending {
		c.connMu.Unlock()
		return fmt.Errorf("%w: previous attempt still in flight", ErrConnectionFailed)
	}
	c.attempts++
	attempt := c.attempts
	c.connMu.Unlock()

	timeout := defaultConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.abandon(attempt, token)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	case <-timer.C:
		c.abandon(attempt, token)
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs on its own goroutine; mark the session
	// live here so IsConnected is accurate as soon as Connect returns.
	c.setConnected(true)
	return nil
}

// abandon closes the session of an attempt Connect stopped waiting for,
// once paho resolves its handshake. Until then Connect refuses new attempts
// and the OnConnect callback is not run for it.
func (c *Client) abandon(attempt uint64, token pahomqtt.Token) {
	c.connMu.Lock()
	c.abandoned = attempt
	c.pending = true
	c.connMu.Unlock()

	go func() {
		<-token.Done()
		late := token.Error() == nil
		if late {
			c.client.Disconnect(0)
		}

		c.connMu.Lock()
		c.connected = false
		c.pending = false
		c.connMu.Unlock()
		c.clearSubscriptions()

		if logger := c.getLogger(); logger != nil && late {
			logger.Warn("closed mqtt session that connected after its attempt was abandoned")
		}
	}()
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

func (c *Client) handleConnect() {
	c.connMu.Lock()
	if c.abandoned != 0 && c.abandoned == c.attempts {
		c.connMu.Unlock()
		return
	}
	c.connected = true
	c.connMu.Unlock()

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.setConnected(false)
	c.clearSubscriptions()

	if logger := c.getLogger(); logger != nil {
		logger.Warn("mqtt connection lost", "error", err)
	}

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

func (c *Client) clearSubscriptions() {
	c.subMu.Lock()
	clear(c.subscriptions)
	c.subMu.Unlock()
}

// Disconnect closes the session, waiting briefly for in-flight work.
// Calling it on a disconnected client is a no-op. The OnDisconnect
// callback is not invoked for a requested disconnect.
func (c *Client) Disconnect() {
	if c.client == nil {
		return
	}
	if c.client.IsConnectionOpen() {
		c.client.Disconnect(defaultDisconnectQuiesce)
	}
	c.setConnected(false)
	c.clearSubscriptions()
}

// Close disconnects from the broker. It always returns nil and exists so
// the client can sit alongside the other closers in main.
func (c *Client) Close() error {
	c.Disconnect()
	return nil
}

// HealthCheck reports ErrNotConnected unless the session is live.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// SetOnConnect sets a callback invoked every time a session is established.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback invoked when an established session is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for connection, acknowledgement and handler events.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and optional logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if logger := c.getLogger(); logger != nil {
					logger.Error("mqtt handler panic recovered",
						"topic", msg.Topic(),
						"panic", r,
					)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Warn("mqtt handler returned error",
					"topic", msg.Topic(),
					"error", err,
				)
			}
		}
	}
}

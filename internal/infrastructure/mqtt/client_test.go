package mqtt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/replica-core/internal/infrastructure/config"
)

// testConfig returns a configuration for a local broker at 127.0.0.1:1883.
func testConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 0,
	}
}

// connectOrSkip connects to the local broker, skipping the test when none
// is reachable unless RUN_INTEGRATION is set.
func connectOrSkip(t *testing.T, clientID string) *Client {
	t.Helper()
	c := New(testConfig(clientID))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		if os.Getenv("RUN_INTEGRATION") != "" {
			t.Fatalf("Connect() error = %v", err)
		}
		t.Skipf("MQTT broker not available: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

// =============================================================================
// Option and topic tests (no broker)
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig("replica-test")
	cfg.Auth.Username = "ingest"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "replica-test" {
		t.Errorf("ClientID = %q, want %q", opts.ClientID, "replica-test")
	}
	if !opts.CleanSession {
		t.Error("CleanSession = false, want true")
	}
	if opts.AutoReconnect {
		t.Error("AutoReconnect = true, want false")
	}
	if opts.ConnectRetry {
		t.Error("ConnectRetry = true, want false")
	}
	if !opts.Order {
		t.Error("Order = false, want in-order delivery")
	}
	if opts.Username != "ingest" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if opts.TLSConfig != nil && cfg.Broker.TLS {
		t.Error("TLSConfig set without TLS")
	}
}

func TestBrokerURL_TLS(t *testing.T) {
	cfg := testConfig("x")
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	if got := brokerURL(cfg); got != "ssl://127.0.0.1:8883" {
		t.Errorf("brokerURL() = %q, want ssl://127.0.0.1:8883", got)
	}
	if opts := buildClientOptions(cfg); opts.TLSConfig == nil {
		t.Error("TLSConfig = nil, want TLS config")
	}
}

func TestTopics(t *testing.T) {
	topics := Topics{Root: "hospital"}

	tests := []struct {
		got  string
		want string
	}{
		{topics.RFIDFilter(), "hospital/+/+/rfid"},
		{topics.VitalsFilter(), "hospital/patient/+/vitals/#"},
		{topics.TemperatureFilter(), "hospital/+/+/temperature"},
		{topics.RFID("3", "301"), "hospital/3/301/rfid"},
		{topics.Vitals("p-17", "heart_rate"), "hospital/patient/p-17/vitals/heart_rate"},
		{topics.Temperature("0", "cellar-a"), "hospital/0/cellar-a/temperature"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

// =============================================================================
// Disconnected-client tests (no broker)
// =============================================================================

func TestNew_StartsDisconnected(t *testing.T) {
	c := New(testConfig("replica-idle"))

	if c.IsConnected() {
		t.Error("IsConnected() = true before Connect")
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	// Disconnect on an idle client must be safe.
	c.Disconnect()
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig("replica-unreachable")
	cfg.Broker.Port = 1 // nothing listens here

	c := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := c.Connect(ctx)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after failed Connect")
	}
}

func TestConnect_CancelledContext(t *testing.T) {
	cfg := testConfig("replica-cancelled")
	cfg.Broker.Host = "192.0.2.1" // TEST-NET-1, never answers

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := New(cfg).Connect(ctx); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestPublishAndSubscribe_Validation(t *testing.T) {
	c := New(testConfig("replica-validation"))
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", c.Publish("", nil, 0, false), ErrInvalidTopic},
		{"publish bad qos", c.Publish("a/b", nil, 3, false), ErrInvalidQoS},
		{"publish oversize", c.Publish("a/b", make([]byte, maxPayloadSize+1), 0, false), ErrPublishFailed},
		{"publish disconnected", c.Publish("a/b", []byte("1"), 0, false), ErrNotConnected},
		{"subscribe empty topic", c.Subscribe("", 0, noop), ErrInvalidTopic},
		{"subscribe bad qos", c.Subscribe("a/#", 3, noop), ErrInvalidQoS},
		{"subscribe nil handler", c.Subscribe("a/#", 0, nil), ErrSubscribeFailed},
		{"subscribe disconnected", c.Subscribe("a/#", 0, noop), ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}
}

type recordingLogger struct {
	warns  atomic.Int32
	errors atomic.Int32
}

func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Warn(string, ...any)  { l.warns.Add(1) }
func (l *recordingLogger) Error(string, ...any) { l.errors.Add(1) }

func TestHandleDisconnect_ClearsStateAndNotifies(t *testing.T) {
	c := New(testConfig("replica-lost"))
	logger := &recordingLogger{}
	c.SetLogger(logger)

	c.setConnected(true)
	c.subscriptions["hospital/+/+/rfid"] = 0

	var gotErr error
	c.SetOnDisconnect(func(err error) { gotErr = err })

	lost := errors.New("network down")
	c.handleDisconnect(lost)

	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after connection loss, want 0", c.SubscriptionCount())
	}
	if !errors.Is(gotErr, lost) {
		t.Errorf("OnDisconnect error = %v, want %v", gotErr, lost)
	}
	if logger.warns.Load() != 1 {
		t.Errorf("warn count = %d, want 1", logger.warns.Load())
	}
}

func TestHandleConnect_InvokesCallback(t *testing.T) {
	c := New(testConfig("replica-cb"))
	var calls atomic.Int32
	c.SetOnConnect(func() { calls.Add(1) })

	c.handleConnect()
	c.handleConnect()

	if calls.Load() != 2 {
		t.Errorf("OnConnect calls = %d, want 2", calls.Load())
	}
}

// stubToken is a paho token resolved by closing done.
type stubToken struct {
	done chan struct{}
	err  error
}

func (t *stubToken) Wait() bool { <-t.done; return true }

func (t *stubToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *stubToken) Done() <-chan struct{} { return t.done }
func (t *stubToken) Error() error          { return t.err }

// stubPaho hands out one pending connect token. Methods it does not
// override panic through the nil embedded interface.
type stubPaho struct {
	pahomqtt.Client
	token       *stubToken
	open        atomic.Bool
	disconnects atomic.Int32
}

func (s *stubPaho) Connect() pahomqtt.Token { return s.token }
func (s *stubPaho) IsConnectionOpen() bool  { return s.open.Load() }

func (s *stubPaho) Disconnect(uint) {
	s.disconnects.Add(1)
	s.open.Store(false)
}

func TestConnect_HandshakeAfterCancelIsClosed(t *testing.T) {
	c := New(testConfig("replica-late"))
	stub := &stubPaho{token: &stubToken{done: make(chan struct{})}}
	c.client = stub
	var calls atomic.Int32
	c.SetOnConnect(func() { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Connect(ctx); !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() during a pending handshake error = %v, want ErrConnectionFailed", err)
	}

	// The broker accepts the abandoned attempt.
	stub.open.Store(true)
	c.handleConnect()
	close(stub.token.done)

	deadline := time.Now().Add(time.Second)
	for stub.disconnects.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := stub.disconnects.Load(); got != 1 {
		t.Fatalf("paho Disconnect calls = %d, want 1", got)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after a late handshake")
	}
	if calls.Load() != 0 {
		t.Errorf("OnConnect calls = %d, want 0 for an abandoned attempt", calls.Load())
	}

	// Once the late session is closed a fresh attempt goes through.
	deadline = time.Now().Add(time.Second)
	for {
		c.connMu.RLock()
		pending := c.pending
		c.connMu.RUnlock()
		if !pending {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("abandoned attempt still pending")
		}
		time.Sleep(5 * time.Millisecond)
	}
	stub.token = &stubToken{done: make(chan struct{})}
	close(stub.token.done)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() after recovery error = %v", err)
	}
	if !c.IsConnected() {
		t.Error("IsConnected() = false after a successful Connect")
	}
}

// =============================================================================
// Broker tests (skipped without a broker)
// =============================================================================

func TestConnect_Broker(t *testing.T) {
	c := connectOrSkip(t, "replica-test-connect")

	if !c.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	c.Disconnect()
	if c.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}

	// A fresh attempt on the same client must succeed.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
}

func TestPublishSubscribe_Broker(t *testing.T) {
	sub := connectOrSkip(t, "replica-test-sub")
	pub := connectOrSkip(t, "replica-test-pub")

	root := fmt.Sprintf("replica-test-%d", time.Now().UnixNano())
	topics := Topics{Root: root}
	received := make(chan string, 4)

	err := sub.Subscribe(topics.VitalsFilter(), 0, func(topic string, payload []byte) error {
		received <- topic + "=" + string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription(topics.VitalsFilter()) {
		t.Error("HasSubscription() = false after Subscribe")
	}

	want := topics.Vitals("p-1", "heart_rate") + "=72.5"
	if err := pub.PublishString(topics.Vitals("p-1", "heart_rate"), "72.5"); err != nil {
		t.Fatalf("PublishString() error = %v", err)
	}

	select {
	case got := <-received:
		if !strings.EqualFold(got, want) {
			t.Errorf("received %q, want %q", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestHandlerPanicRecovered_Broker(t *testing.T) {
	sub := connectOrSkip(t, "replica-test-panic")
	pub := connectOrSkip(t, "replica-test-panic-pub")
	logger := &recordingLogger{}
	sub.SetLogger(logger)

	topic := fmt.Sprintf("replica-test-%d/panic", time.Now().UnixNano())
	done := make(chan struct{}, 2)
	err := sub.Subscribe(topic, 0, func(_ string, payload []byte) error {
		done <- struct{}{}
		if string(payload) == "boom" {
			panic("handler exploded")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for _, p := range []string{"boom", "ok"} {
		if err := pub.PublishString(topic, p); err != nil {
			t.Fatalf("PublishString() error = %v", err)
		}
	}
	for range 2 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("handler stopped receiving after panic")
		}
	}
	if logger.errors.Load() == 0 {
		t.Error("panic was not logged")
	}
}

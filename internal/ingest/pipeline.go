package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/replica-core/internal/infrastructure/config"
	"github.com/nerrad567/replica-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/replica-core/internal/store"
)

// Pipeline defaults.
const (
	DefaultRetryInterval = 5 * time.Second
	DefaultStopTimeout   = time.Second
	DefaultWorkers       = 4
	DefaultQueueSize     = 256
)

// State is the pipeline's view of the broker session.
type State int32

// Connection states. A session moves Disconnected → Connecting →
// Subscribed and drops back to Disconnected on any transport disconnect.
const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Transport is the broker session the pipeline supervises.
// *mqtt.Client satisfies it.
type Transport interface {
	// Connect makes a single connection attempt.
	Connect(ctx context.Context) error

	// Subscribe registers handler for a topic filter on the live session.
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error

	// Disconnect closes the session. No-op when already disconnected.
	Disconnect()

	// IsConnected reports whether the session is live.
	IsConnected() bool

	// SetOnDisconnect registers a callback for sessions lost without a
	// Disconnect call.
	SetOnDisconnect(callback func(err error))
}

// Logger is the logging interface used by the ingest package.
// Compatible with *logging.Logger and *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config tunes a pipeline.
type Config struct {
	// TopicRoot is the first segment of every telemetry topic.
	TopicRoot string
	QoS       byte

	// RetryInterval is the delay between connection attempts while
	// disconnected.
	RetryInterval time.Duration

	// StopTimeout bounds how long Stop waits for the supervisor and the
	// workers.
	StopTimeout time.Duration

	Workers   int
	QueueSize int

	// Domains to subscribe to.
	RFID        bool
	Vitals      bool
	Temperature bool
}

// ConfigFrom builds a pipeline config from the application config.
func ConfigFrom(cfg *config.Config) Config {
	in := cfg.Ingestion
	return Config{
		TopicRoot:     in.TopicRoot,
		QoS:           byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2 by config.Validate
		RetryInterval: cfg.GetRetryInterval(),
		StopTimeout:   cfg.GetStopTimeout(),
		Workers:       in.Workers,
		QueueSize:     in.QueueSize,
		RFID:          in.RFID,
		Vitals:        in.Vitals,
		Temperature:   in.Temperature,
	}
}

// TypesFrom extracts the record types the recorder resolves.
func TypesFrom(cfg *config.Config) RecordTypes {
	return RecordTypes{
		Room:    cfg.Ingestion.RoomType,
		Actor:   cfg.Ingestion.ActorType,
		Patient: cfg.Ingestion.PatientType,
		Bottle:  cfg.Ingestion.BottleType,
	}
}

func (c *Config) applyDefaults() {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.Workers < 1 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize < 1 {
		c.QueueSize = DefaultQueueSize
	}
}

// Options holds the dependencies of a pipeline.
type Options struct {
	Config    Config
	Transport Transport
	Recorder  *Recorder

	// Logger is optional.
	Logger Logger
}

type message struct {
	topic   string
	payload []byte
}

// Pipeline turns broker telemetry into replica mutations.
//
// A supervisor goroutine owns the broker session: it makes the first
// connection attempt as soon as Start is called and, whenever the session
// is down, retries every RetryInterval until Stop. The transport callback
// only enqueues messages, preserving delivery order, and a pool of
// workers drains the queue concurrently.
//
// Per-message failures (bad topic, bad payload, unknown room, actor or
// patient, store errors) are logged, counted and dropped. Nothing is
// returned to the publisher and nothing is retried.
//
// Thread Safety: all methods are safe for concurrent use.
type Pipeline struct {
	cfg       Config
	topics    mqtt.Topics
	transport Transport
	recorder  *Recorder
	logger    Logger

	state atomic.Int32
	queue chan message

	mu      sync.Mutex
	running bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a pipeline. Call Start to begin ingesting.
func New(opts Options) (*Pipeline, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("ingest: transport is required")
	}
	if opts.Recorder == nil {
		return nil, fmt.Errorf("ingest: recorder is required")
	}
	if opts.Config.TopicRoot == "" {
		return nil, fmt.Errorf("ingest: topic root is required")
	}

	cfg := opts.Config
	cfg.applyDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &Pipeline{
		cfg:       cfg,
		topics:    mqtt.Topics{Root: cfg.TopicRoot},
		transport: opts.Transport,
		recorder:  opts.Recorder,
		logger:    logger,
		queue:     make(chan message, cfg.QueueSize),
	}, nil
}

// State returns the current connection state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Filters returns the topic filters subscribed on every session.
func (p *Pipeline) Filters() []string {
	var filters []string
	if p.cfg.RFID {
		filters = append(filters, p.topics.RFIDFilter())
	}
	if p.cfg.Vitals {
		filters = append(filters, p.topics.VitalsFilter())
	}
	if p.cfg.Temperature {
		filters = append(filters, p.topics.TemperatureFilter())
	}
	return filters
}

// Start launches the workers and the connection supervisor and returns
// immediately. Cancelling ctx has the same effect on the goroutines as
// Stop, but only Stop disconnects the transport.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrStopped
	}
	if p.running {
		return ErrAlreadyStarted
	}
	p.running = true

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.transport.SetOnDisconnect(p.handleDisconnect)

	var g errgroup.Group
	for range p.cfg.Workers {
		g.Go(func() error {
			p.work(p.ctx)
			return nil
		})
	}
	g.Go(func() error {
		p.supervise(p.ctx)
		return nil
	})
	go func() {
		_ = g.Wait()
		close(p.done)
	}()

	p.logger.Info("ingestion pipeline started",
		"topic_root", p.cfg.TopicRoot,
		"workers", p.cfg.Workers,
		"retry_interval", p.cfg.RetryInterval,
	)
	return nil
}

// Stop cancels the supervisor and the workers, waits for them for at most
// StopTimeout, and disconnects the transport if it is connected. Messages
// still queued are discarded. Stop is idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	running, cancel, done := p.running, p.cancel, p.done
	p.mu.Unlock()

	if !running {
		return
	}

	cancel()
	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		p.logger.Warn("ingestion pipeline did not stop in time", "timeout", p.cfg.StopTimeout)
	}

	if p.transport.IsConnected() {
		p.transport.Disconnect()
	}
	p.state.Store(int32(StateDisconnected))
	p.logger.Info("ingestion pipeline stopped")
}

// supervise makes the first connection attempt immediately, then retries
// every RetryInterval while disconnected.
func (p *Pipeline) supervise(ctx context.Context) {
	p.attempt(ctx)

	timer := time.NewTimer(p.cfg.RetryInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if p.State() == StateDisconnected {
				p.attempt(ctx)
			}
			timer.Reset(p.cfg.RetryInterval)
		}
	}
}

func (p *Pipeline) attempt(ctx context.Context) {
	if !p.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return
	}
	connectAttempts.Add(context.WithoutCancel(ctx), 1)

	if err := p.transport.Connect(ctx); err != nil {
		p.state.Store(int32(StateDisconnected))
		if ctx.Err() == nil {
			p.logger.Warn("broker connection failed", "error", err, "retry_in", p.cfg.RetryInterval)
		}
		return
	}
	if ctx.Err() != nil {
		// The session came up after Stop gave up on it.
		p.transport.Disconnect()
		p.state.Store(int32(StateDisconnected))
		return
	}

	for _, filter := range p.Filters() {
		if err := p.transport.Subscribe(filter, p.cfg.QoS, p.enqueue); err != nil {
			p.logger.Error("telemetry subscription failed", "topic", filter, "error", err)
			p.transport.Disconnect()
			p.state.Store(int32(StateDisconnected))
			return
		}
	}

	// A disconnect callback may have fired while subscribing; it wins.
	if p.state.CompareAndSwap(int32(StateConnecting), int32(StateSubscribed)) {
		p.logger.Info("ingestion subscribed", "filters", p.Filters())
	}
}

func (p *Pipeline) handleDisconnect(err error) {
	prev := State(p.state.Swap(int32(StateDisconnected)))
	if prev != StateDisconnected {
		p.logger.Warn("broker session lost", "error", err, "state", prev.String())
	}
}

// enqueue is the transport callback. It blocks while the queue is full so
// delivery order is kept, and gives up once the pipeline stops.
func (p *Pipeline) enqueue(topic string, payload []byte) error {
	msg := message{topic: topic, payload: bytes.Clone(payload)}
	select {
	case p.queue <- msg:
	case <-p.ctx.Done():
		recordDropped(p.ctx, "", reasonShutdown)
	}
	return nil
}

func (p *Pipeline) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			p.dispatch(ctx, msg)
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, msg message) {
	messagesReceived.Add(context.WithoutCancel(ctx), 1)

	kind, err := p.handle(ctx, msg.topic, msg.payload)
	if err == nil {
		recordApplied(ctx, kind)
		return
	}

	reason := dropReason(err)
	recordDropped(ctx, kind, reason)
	if reason == reasonStore {
		p.logger.Warn("telemetry message dropped", "topic", msg.topic, "reason", reason, "error", err)
		return
	}
	p.logger.Info("telemetry message dropped", "topic", msg.topic, "reason", reason, "error", err)
}

// handle applies one message and returns its topic kind.
func (p *Pipeline) handle(ctx context.Context, topic string, payload []byte) (string, error) {
	r, err := parseTopic(p.cfg.TopicRoot, topic)
	if err != nil {
		return "", err
	}

	switch r.kind {
	case mqtt.KindRFID:
		if !p.cfg.RFID {
			return r.kind, fmt.Errorf("%w: rfid ingestion disabled", ErrMalformedTopic)
		}
		return r.kind, p.handleRFID(ctx, r, payload)
	case mqtt.KindVitals:
		if !p.cfg.Vitals {
			return r.kind, fmt.Errorf("%w: vitals ingestion disabled", ErrMalformedTopic)
		}
		return r.kind, p.handleVitals(ctx, r, payload)
	default:
		if !p.cfg.Temperature {
			return r.kind, fmt.Errorf("%w: temperature ingestion disabled", ErrMalformedTopic)
		}
		return r.kind, p.handleTemperature(ctx, r, payload)
	}
}

type rfidPayload struct {
	RFIDTag string `json:"rfid_tag"`
}

func (p *Pipeline) handleRFID(ctx context.Context, r route, payload []byte) error {
	var body rfidPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if body.RFIDTag == "" {
		return fmt.Errorf("%w: missing rfid_tag", ErrMalformedPayload)
	}

	roomID, err := p.recorder.FindRoom(ctx, r.floor, r.room)
	if err != nil {
		return err
	}
	_, err = p.recorder.RecordAccess(ctx, roomID, body.RFIDTag, AccessVisit)
	return err
}

func (p *Pipeline) handleVitals(ctx context.Context, r route, payload []byte) error {
	value, err := parseReading(payload)
	if err != nil {
		return err
	}
	patientID, err := p.recorder.FindPatient(ctx, r.patientID)
	if err != nil {
		return err
	}
	return p.recorder.RecordMeasurement(ctx, p.recorder.Types().Patient, patientID, Measurement{
		MeasureType: r.vital,
		Value:       value,
	})
}

func (p *Pipeline) handleTemperature(ctx context.Context, r route, payload []byte) error {
	value, err := parseReading(payload)
	if err != nil {
		return err
	}
	roomID, err := p.recorder.FindRoom(ctx, r.floor, r.room)
	if err != nil {
		return err
	}
	err = p.recorder.RecordMeasurement(ctx, p.recorder.Types().Room, roomID, Measurement{
		MeasureType: mqtt.KindTemperature,
		Value:       value,
	})
	if err != nil {
		return err
	}
	return p.recorder.SetCurrentTemperature(ctx, roomID, value)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedTopic):
		return reasonTopic
	case errors.Is(err, ErrMalformedPayload):
		return reasonPayload
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrActorNotFound),
		errors.Is(err, ErrPatientNotFound), errors.Is(err, store.ErrNotFound):
		return reasonLookup
	default:
		return reasonStore
	}
}

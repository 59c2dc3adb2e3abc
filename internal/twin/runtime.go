package twin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/replica-core/internal/store"
)

// snapshotConcurrency bounds concurrent member reads per invocation.
const snapshotConcurrency = 8

// Records is the subset of store.Store the runtime needs.
type Records interface {
	Save(ctx context.Context, recordType string, doc store.Document) (string, error)
	Get(ctx context.Context, recordType, id string) (store.Document, error)
	Query(ctx context.Context, recordType string, filter store.Filter) ([]store.Document, error)
	AddToSet(ctx context.Context, recordType, id, path string, value any) error
}

// Logger is the logging interface used by the twin package.
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

// Runtime creates twins, manages their membership and service lists, and
// invokes services against a fresh snapshot of the members.
//
// Twins are persisted through the record store as RecordType documents.
// Membership and service registration use the store's atomic AddToSet,
// so concurrent calls never lose an addition and adding twice is a no-op.
//
// Thread Safety: all methods are safe for concurrent use once configured.
type Runtime struct {
	records  Records
	services *Services
	logger   Logger
	now      func() time.Time
	newID    func() string
}

// NewRuntime creates a runtime over records using the given service
// implementations.
func NewRuntime(records Records, services *Services) *Runtime {
	if services == nil {
		services = NewServices()
	}
	return &Runtime{
		records:  records,
		services: services,
		logger:   noopLogger{},
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// SetLogger sets the logger. Call before concurrent use.
func (r *Runtime) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// SetClock replaces the time source. Call before concurrent use.
func (r *Runtime) SetClock(now func() time.Time) {
	r.now = now
}

// SetIDGenerator replaces the id source. Call before concurrent use.
func (r *Runtime) SetIDGenerator(newID func() string) {
	r.newID = newID
}

// Services returns the service implementations known to the runtime.
func (r *Runtime) Services() *Services {
	return r.services
}

// CreateTwin persists an empty twin and returns its id.
func (r *Runtime) CreateTwin(ctx context.Context, name, description string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrInvalidTwin)
	}

	now := r.now().UTC().Truncate(time.Microsecond)
	dt := &DigitalTwin{
		ID:          r.newID(),
		Name:        name,
		Description: description,
		Members:     []MemberRef{},
		Services:    []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id, err := r.records.Save(ctx, RecordType, dt.Document())
	if err != nil {
		return "", fmt.Errorf("saving digital twin: %w", err)
	}
	r.logger.Info("digital twin created", "id", id, "name", name)
	return id, nil
}

// Get returns a twin. Returns ErrTwinNotFound if it does not exist.
func (r *Runtime) Get(ctx context.Context, id string) (*DigitalTwin, error) {
	doc, err := r.records.Get(ctx, RecordType, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTwinNotFound, id)
		}
		return nil, fmt.Errorf("loading digital twin %s: %w", id, err)
	}
	return fromDocument(doc)
}

// List returns every twin, oldest first.
func (r *Runtime) List(ctx context.Context) ([]*DigitalTwin, error) {
	docs, err := r.records.Query(ctx, RecordType, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("listing digital twins: %w", err)
	}
	twins := make([]*DigitalTwin, 0, len(docs))
	for _, doc := range docs {
		dt, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		twins = append(twins, dt)
	}
	return twins, nil
}

// AddMember adds a replica reference to a twin. The replica's existence is
// not checked; snapshots skip members that do not exist.
// Returns ErrTwinNotFound if the twin does not exist.
func (r *Runtime) AddMember(ctx context.Context, dtID, recordType, drID string) error {
	if recordType == "" || drID == "" {
		return fmt.Errorf("%w: member type and id are required", ErrInvalidTwin)
	}
	ref := map[string]any{"type": recordType, "id": drID}
	if err := r.records.AddToSet(ctx, RecordType, dtID, fieldMembers, ref); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTwinNotFound, dtID)
		}
		return fmt.Errorf("adding member to %s: %w", dtID, err)
	}
	r.logger.Debug("digital twin member added", "id", dtID, "member_type", recordType, "member_id", drID)
	return nil
}

// AddService makes name invocable on a twin. Whether an implementation
// exists is only checked by Invoke.
// Returns ErrTwinNotFound if the twin does not exist.
func (r *Runtime) AddService(ctx context.Context, dtID, name string) error {
	if name == "" {
		return fmt.Errorf("%w: service name is required", ErrInvalidTwin)
	}
	if err := r.records.AddToSet(ctx, RecordType, dtID, fieldServices, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTwinNotFound, dtID)
		}
		return fmt.Errorf("adding service to %s: %w", dtID, err)
	}
	r.logger.Debug("digital twin service added", "id", dtID, "service", name)
	return nil
}

// Invoke runs a service registered on a twin against a fresh snapshot of
// its members and returns the service's result or error unchanged.
//
// Returns ErrTwinNotFound for an unknown twin and ErrServiceNotFound when
// the service is not registered on the twin or has no implementation.
// Invoke never writes to the record store.
func (r *Runtime) Invoke(ctx context.Context, dtID, service string, params map[string]any) (result any, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "twin.Invoke", trace.WithAttributes(
		attribute.String(attrTwin, dtID),
		attribute.String(attrService, service),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		measureInvocation(context.WithoutCancel(ctx), service, err == nil, time.Since(start))
	}()

	dt, err := r.Get(ctx, dtID)
	if err != nil {
		return nil, err
	}
	if !dt.HasService(service) {
		return nil, fmt.Errorf("%w: %s is not registered on %s", ErrServiceNotFound, service, dtID)
	}
	impl, ok := r.services.Lookup(service)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no implementation", ErrServiceNotFound, service)
	}

	snap, err := r.Snapshot(ctx, dt)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	return impl.Execute(ctx, snap, params)
}

// Snapshot loads the current record of every member of dt. Members are
// read concurrently and kept in membership order; members that no longer
// exist are skipped with a warning.
func (r *Runtime) Snapshot(ctx context.Context, dt *DigitalTwin) (Snapshot, error) {
	docs := make([]store.Document, len(dt.Members))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(snapshotConcurrency)
	for i, ref := range dt.Members {
		g.Go(func() error {
			doc, err := r.records.Get(gctx, ref.Type, ref.ID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil
				}
				return fmt.Errorf("loading member %s/%s: %w", ref.Type, ref.ID, err)
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Twin: dt, Members: make([]store.Document, 0, len(docs))}
	for i, doc := range docs {
		if doc == nil {
			ref := dt.Members[i]
			r.logger.Warn("digital twin member missing", "id", dt.ID, "member_type", ref.Type, "member_id", ref.ID)
			missingMembers.Add(context.WithoutCancel(ctx), 1)
			continue
		}
		snap.Members = append(snap.Members, doc)
	}
	return snap, nil
}

package twin

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Service is an invocable computation over a twin snapshot.
//
// Execute must not write to the record store. Its result is returned to
// the caller unchanged and must be JSON-encodable.
type Service interface {
	Name() string
	Execute(ctx context.Context, snap Snapshot, params map[string]any) (any, error)
}

// Services maps service names to implementations.
//
// Thread Safety: all methods are safe for concurrent use.
type Services struct {
	mu     sync.RWMutex
	byName map[string]Service
}

// NewServices creates an empty service registry.
func NewServices() *Services {
	return &Services{byName: make(map[string]Service)}
}

// Register adds svc. Returns ErrServiceExists if the name is taken.
func (s *Services) Register(svc Service) error {
	name := svc.Name()
	if name == "" {
		return fmt.Errorf("%w: service has no name", ErrInvalidParams)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrServiceExists, name)
	}
	s.byName[name] = svc
	return nil
}

// Lookup returns the implementation registered under name.
func (s *Services) Lookup(name string) (Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.byName[name]
	return svc, ok
}

// Names returns the registered service names, sorted.
func (s *Services) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Builtins returns a registry holding the named built-in services.
func Builtins(names []string) (*Services, error) {
	services := NewServices()
	for _, name := range names {
		var svc Service
		switch name {
		case TemperaturePredictionName:
			svc = NewTemperaturePrediction()
		default:
			return nil, fmt.Errorf("%w: no built-in service %q", ErrServiceNotFound, name)
		}
		if err := services.Register(svc); err != nil {
			return nil, err
		}
	}
	return services, nil
}

package twin

import (
	"fmt"
	"slices"
	"time"

	"github.com/nerrad567/replica-core/internal/store"
)

// RecordType is the record store type twins are persisted under.
const RecordType = "digital_twin"

// Document field names.
const (
	fieldMembers  = "members"
	fieldServices = "services"
)

// MemberRef points at one Digital Replica.
type MemberRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// DigitalTwin is a named composite of replica references plus the names of
// the services that may be invoked on it.
type DigitalTwin struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Members     []MemberRef `json:"members"`
	Services    []string    `json:"services"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// HasService reports whether name is registered on the twin.
func (dt *DigitalTwin) HasService(name string) bool {
	return slices.Contains(dt.Services, name)
}

// Document renders dt in stored form.
func (dt *DigitalTwin) Document() store.Document {
	members := make([]any, len(dt.Members))
	for i, m := range dt.Members {
		members[i] = map[string]any{"type": m.Type, "id": m.ID}
	}
	services := make([]any, len(dt.Services))
	for i, s := range dt.Services {
		services[i] = s
	}
	return store.Document{
		"_id":         dt.ID,
		"type":        RecordType,
		"name":        dt.Name,
		"description": dt.Description,
		fieldMembers:  members,
		fieldServices: services,
		"metadata": map[string]any{
			"created_at": store.FormatTime(dt.CreatedAt),
			"updated_at": store.FormatTime(dt.UpdatedAt),
		},
	}
}

func fromDocument(doc store.Document) (*DigitalTwin, error) {
	id, err := store.DocumentID(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTwin, err)
	}

	dt := &DigitalTwin{ID: id, Members: []MemberRef{}, Services: []string{}}
	dt.Name, _ = doc["name"].(string)
	dt.Description, _ = doc["description"].(string)

	members, _ := doc[fieldMembers].([]any)
	for i, raw := range members {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s member %d is not an object", ErrMalformedTwin, id, i)
		}
		ref := MemberRef{}
		ref.Type, _ = m["type"].(string)
		ref.ID, _ = m["id"].(string)
		if ref.Type == "" || ref.ID == "" {
			return nil, fmt.Errorf("%w: %s member %d lacks type or id", ErrMalformedTwin, id, i)
		}
		dt.Members = append(dt.Members, ref)
	}

	services, _ := doc[fieldServices].([]any)
	for _, raw := range services {
		if name, ok := raw.(string); ok {
			dt.Services = append(dt.Services, name)
		}
	}

	if meta, ok := doc["metadata"].(map[string]any); ok {
		if s, ok := meta["created_at"].(string); ok {
			if dt.CreatedAt, err = store.ParseTime(s); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrMalformedTwin, id, err)
			}
		}
		if s, ok := meta["updated_at"].(string); ok {
			if dt.UpdatedAt, err = store.ParseTime(s); err != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrMalformedTwin, id, err)
			}
		}
	}
	return dt, nil
}

// Snapshot is the state of a twin's members read for one invocation.
type Snapshot struct {
	Twin *DigitalTwin

	// Members holds the current record of every member that still exists,
	// in membership order.
	Members []store.Document
}

// OfType returns the member records of recordType, in membership order.
func (s Snapshot) OfType(recordType string) []store.Document {
	var out []store.Document
	for _, doc := range s.Members {
		if doc["type"] == recordType {
			out = append(out, doc)
		}
	}
	return out
}

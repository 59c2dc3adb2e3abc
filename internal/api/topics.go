package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/replica-core/internal/ingest"
)

// Channel grammar accepted by subscribe messages:
//
//	*                       every event
//	<event>                 one event for any record, e.g. replica.updated
//	<event>:<type>          one event for records of a type, e.g. replica.updated:room
//	<event>:<type>:<id>     one event for a single record
//	*:<type>[:<id>]         every event for a type or a record
//	twin:<id>               every event touching a member of a digital twin
const (
	topicAny        = "*"
	topicSeparator  = ":"
	topicTwinPrefix = "twin" + topicSeparator
)

// subject is one record an event is about.
type subject struct {
	recordType string
	id         string
}

// topic is a parsed subscription channel. Empty fields match anything.
type topic struct {
	event      string
	recordType string
	id         string
	twinID     string
}

func parseTopic(channel string) (topic, error) {
	if channel == "" {
		return topic{}, errors.New("empty channel")
	}
	if twinID, ok := strings.CutPrefix(channel, topicTwinPrefix); ok {
		if twinID == "" || strings.Contains(twinID, topicSeparator) {
			return topic{}, fmt.Errorf("channel %q: want twin:<id>", channel)
		}
		return topic{twinID: twinID}, nil
	}

	parts := strings.Split(channel, topicSeparator)
	if len(parts) > 3 {
		return topic{}, fmt.Errorf("channel %q: too many segments", channel)
	}
	for _, p := range parts {
		if p == "" {
			return topic{}, fmt.Errorf("channel %q: empty segment", channel)
		}
	}

	var t topic
	if parts[0] != topicAny {
		t.event = parts[0]
	}
	if len(parts) > 1 {
		t.recordType = parts[1]
	}
	if len(parts) > 2 {
		t.id = parts[2]
	}
	return t, nil
}

// matches reports whether an event on channel about subjects is selected
// by t. Twin topics are resolved by the hub, not here.
func (t topic) matches(channel string, subjects []subject) bool {
	if t.event != "" && t.event != channel {
		return false
	}
	if t.recordType == "" {
		return true
	}
	for _, s := range subjects {
		if s.recordType == t.recordType && (t.id == "" || s.id == t.id) {
			return true
		}
	}
	return false
}

// recordLister is implemented by payloads that touch several records.
type recordLister interface {
	Records() []ingest.RecordRef
}

// subjectsOf extracts the records a broadcast payload is about: replica
// documents by _id and type, measurement notices by record_type and
// record_id, and recorder events through their Records method.
func subjectsOf(payload any) []subject {
	switch p := payload.(type) {
	case recordLister:
		refs := p.Records()
		out := make([]subject, 0, len(refs))
		for _, r := range refs {
			out = append(out, subject{r.Type, r.ID})
		}
		return out
	case map[string]any:
		return subjectsOfMap(p)
	}
	return nil
}

func subjectsOfMap(m map[string]any) []subject {
	for _, keys := range [][2]string{{"type", "_id"}, {"record_type", "record_id"}} {
		recordType, _ := m[keys[0]].(string)
		id, _ := m[keys[1]].(string)
		if recordType != "" && id != "" {
			return []subject{{recordType, id}}
		}
	}
	return nil
}

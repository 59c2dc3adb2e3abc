package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/replica-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/replica-core/internal/replica"
	"github.com/nerrad567/replica-core/internal/store"
)

// Event names passed to the Notifier.
const (
	EventMeasurementAppended = "measurement.appended"
	EventAccessRecorded      = "access.recorded"
	EventBottleRelocated     = "bottle.relocated"
)

// MeasureRFID is the measure type of a badge read that places a bottle.
const MeasureRFID = "rfid"

// AccessVisit is the access type recorded for badge reads.
const AccessVisit = "visit"

// Record paths written by the recorder.
const (
	pathMeasurements  = "data.measurements"
	pathAccessLogs    = "data.access_logs"
	pathAccessHistory = "data.room_access_history"
	pathBottles       = "data.bottles"
)

// Records is the subset of store.Store the recorder needs.
type Records interface {
	Get(ctx context.Context, recordType, id string) (store.Document, error)
	Query(ctx context.Context, recordType string, filter store.Filter) ([]store.Document, error)
	Update(ctx context.Context, recordType, id string, changes store.Document) error
	Append(ctx context.Context, recordType, id, path string, entries ...any) error
	AddToSet(ctx context.Context, recordType, id, path string, value any) error
	Pull(ctx context.Context, recordType, id, path string, value any) error
}

// MeasurementSink mirrors applied telemetry into a time-series database.
// *influxdb.Client satisfies it.
type MeasurementSink interface {
	WriteMeasurement(m influxdb.Measurement)
	WriteAccessEvent(e influxdb.AccessEvent)
}

// Notifier publishes applied mutations to live subscribers.
// *api.Hub satisfies it.
type Notifier interface {
	Broadcast(channel string, payload any)
}

// Measurement is one numeric reading destined for a replica.
type Measurement struct {
	MeasureType string
	Value       float64

	// DeviceID defaults to "<measure_type>_sensor".
	DeviceID string

	// Timestamp defaults to the recorder's clock.
	Timestamp time.Time
}

// RecordRef names one record an event touched.
type RecordRef struct {
	Type string
	ID   string
}

// AccessEvent is one recorded room access.
type AccessEvent struct {
	RoomType   string    `json:"room_type"`
	RoomID     string    `json:"room_id"`
	ActorType  string    `json:"actor_type"`
	ActorID    string    `json:"actor_id"`
	AccessType string    `json:"access_type"`
	Timestamp  time.Time `json:"timestamp"`
}

// Records returns the room and the actor.
func (e *AccessEvent) Records() []RecordRef {
	return []RecordRef{{e.RoomType, e.RoomID}, {e.ActorType, e.ActorID}}
}

// Relocation is one bottle placed in a room by an RFID read.
type Relocation struct {
	BottleType     string    `json:"bottle_type"`
	BottleID       string    `json:"bottle_id"`
	RoomType       string    `json:"room_type"`
	RoomID         string    `json:"room_id"`
	PreviousRoomID string    `json:"previous_room_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Records returns the bottle, its new room and the room it left, if any.
func (m *Relocation) Records() []RecordRef {
	refs := []RecordRef{{m.BottleType, m.BottleID}, {m.RoomType, m.RoomID}}
	if m.PreviousRoomID != "" {
		refs = append(refs, RecordRef{m.RoomType, m.PreviousRoomID})
	}
	return refs
}

// RecordTypes names the record types the recorder resolves.
type RecordTypes struct {
	Room    string
	Actor   string
	Patient string

	// Bottle defaults to "bottle".
	Bottle string
}

// Recorder applies access events and measurements to replicas. The
// ingestion pipeline drives it from broker messages and the HTTP API
// drives it directly.
//
// Every list mutation goes through the store's atomic Append, so
// concurrent writers never lose entries.
//
// Thread Safety: safe for concurrent use once configured.
type Recorder struct {
	records  Records
	types    RecordTypes
	sink     MeasurementSink
	notifier Notifier
	logger   Logger
	now      func() time.Time
}

// NewRecorder creates a recorder writing to records.
func NewRecorder(records Records, types RecordTypes) *Recorder {
	if types.Bottle == "" {
		types.Bottle = "bottle"
	}
	return &Recorder{
		records: records,
		types:   types,
		logger:  noopLogger{},
		now:     time.Now,
	}
}

// SetSink sets an optional time-series mirror. Call before concurrent use.
func (r *Recorder) SetSink(sink MeasurementSink) {
	r.sink = sink
}

// SetNotifier sets an optional live-update publisher. Call before concurrent use.
func (r *Recorder) SetNotifier(n Notifier) {
	r.notifier = n
}

// SetLogger sets the logger. Call before concurrent use.
func (r *Recorder) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// SetClock replaces the time source. Call before concurrent use.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// Types returns the record types the recorder resolves.
func (r *Recorder) Types() RecordTypes {
	return r.types
}

// FindRoom returns the id of the room on floor with the given number.
func (r *Recorder) FindRoom(ctx context.Context, floor int, number string) (string, error) {
	return r.findOne(ctx, r.types.Room, store.Filter{
		"profile.floor":       float64(floor),
		"profile.room_number": number,
	}, ErrRoomNotFound)
}

// FindActor returns the id of the actor carrying rfidTag.
func (r *Recorder) FindActor(ctx context.Context, rfidTag string) (string, error) {
	return r.findOne(ctx, r.types.Actor, store.Filter{"profile.rfid_tag": rfidTag}, ErrActorNotFound)
}

// FindPatient returns the id of the patient with the external patient id.
func (r *Recorder) FindPatient(ctx context.Context, patientID string) (string, error) {
	return r.findOne(ctx, r.types.Patient, store.Filter{"profile.patient_id": patientID}, ErrPatientNotFound)
}

// FindBottle returns the id of the bottle carrying rfidTag.
func (r *Recorder) FindBottle(ctx context.Context, rfidTag string) (string, error) {
	return r.findOne(ctx, r.types.Bottle, store.Filter{"profile.rfid_tag": rfidTag}, ErrBottleNotFound)
}

func (r *Recorder) findOne(ctx context.Context, recordType string, filter store.Filter, notFound error) (string, error) {
	docs, err := r.records.Query(ctx, recordType, filter)
	if err != nil {
		return "", fmt.Errorf("looking up %s: %w", recordType, err)
	}
	if len(docs) == 0 {
		return "", fmt.Errorf("%w: %v", notFound, map[string]any(filter))
	}
	id, err := store.DocumentID(docs[0])
	if err != nil {
		return "", fmt.Errorf("%w: %w", notFound, err)
	}
	return id, nil
}

// RecordAccess logs an access to roomID by the actor carrying rfidTag.
//
// The room gets a {<actor>_id, timestamp, access_type} entry in
// data.access_logs and the actor a {room_id, timestamp, access_type} entry
// in data.room_access_history, both with the same timestamp. An unknown
// tag returns ErrActorNotFound and an unknown room ErrRoomNotFound, in
// both cases before anything is written.
func (r *Recorder) RecordAccess(ctx context.Context, roomID, rfidTag, accessType string) (*AccessEvent, error) {
	if accessType == "" {
		accessType = AccessVisit
	}

	actorID, err := r.FindActor(ctx, rfidTag)
	if err != nil {
		return nil, err
	}

	ts := r.now().UTC().Truncate(time.Microsecond)
	stamp := store.FormatTime(ts)

	roomEntry := map[string]any{
		r.types.Actor + "_id": actorID,
		"timestamp":           stamp,
		"access_type":         accessType,
	}
	if err := r.records.Append(ctx, r.types.Room, roomID, pathAccessLogs, roomEntry); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
		}
		return nil, fmt.Errorf("appending access log to %s: %w", roomID, err)
	}

	actorEntry := map[string]any{
		"room_id":     roomID,
		"timestamp":   stamp,
		"access_type": accessType,
	}
	if err := r.records.Append(ctx, r.types.Actor, actorID, pathAccessHistory, actorEntry); err != nil {
		return nil, fmt.Errorf("appending access history to %s: %w", actorID, err)
	}

	event := &AccessEvent{
		RoomType:   r.types.Room,
		RoomID:     roomID,
		ActorType:  r.types.Actor,
		ActorID:    actorID,
		AccessType: accessType,
		Timestamp:  ts,
	}
	if r.sink != nil {
		r.sink.WriteAccessEvent(influxdb.AccessEvent{
			RoomID: roomID, ActorID: actorID, AccessType: accessType, Timestamp: ts,
		})
	}
	if r.notifier != nil {
		r.notifier.Broadcast(EventAccessRecorded, event)
	}
	r.logger.Info("access recorded", "room_id", roomID, "actor_id", actorID, "access_type", accessType)
	return event, nil
}

// RecordMeasurement appends m to the data.measurements list of a replica.
// Returns store.ErrNotFound if the replica does not exist.
func (r *Recorder) RecordMeasurement(ctx context.Context, recordType, id string, m Measurement) error {
	if m.MeasureType == "" {
		return fmt.Errorf("%w: measurement has no type", ErrMalformedPayload)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = r.now()
	}
	m.Timestamp = m.Timestamp.UTC().Truncate(time.Microsecond)
	if m.DeviceID == "" {
		m.DeviceID = m.MeasureType + "_sensor"
	}

	entry := replica.Measurement{
		MeasureType: m.MeasureType,
		Value:       m.Value,
		Timestamp:   m.Timestamp,
		DeviceID:    m.DeviceID,
	}.Document()
	if err := r.records.Append(ctx, recordType, id, pathMeasurements, entry); err != nil {
		return fmt.Errorf("appending %s measurement to %s: %w", m.MeasureType, id, err)
	}

	if r.sink != nil {
		r.sink.WriteMeasurement(influxdb.Measurement{
			RecordType:  recordType,
			RecordID:    id,
			MeasureType: m.MeasureType,
			DeviceID:    m.DeviceID,
			Value:       m.Value,
			Timestamp:   m.Timestamp,
		})
	}
	if r.notifier != nil {
		r.notifier.Broadcast(EventMeasurementAppended, map[string]any{
			"record_type": recordType,
			"record_id":   id,
			"measurement": entry,
		})
	}
	r.logger.Debug("measurement recorded", "record_type", recordType, "record_id", id, "measure_type", m.MeasureType)
	return nil
}

// SetCurrentTemperature stores value as the room's data.temperature, the
// field temperature matching reads first.
func (r *Recorder) SetCurrentTemperature(ctx context.Context, roomID string, value float64) error {
	changes := store.Document{"data": map[string]any{"temperature": value}}
	if err := r.records.Update(ctx, r.types.Room, roomID, changes); err != nil {
		return fmt.Errorf("updating temperature of %s: %w", roomID, err)
	}
	return nil
}

// RelocateBottle places the bottle carrying rfidTag in roomID.
//
// The bottle leaves the data.bottles set of the room it was in, its
// data.room_id becomes roomID and it joins roomID's data.bottles. The read
// itself is appended to the room's data.measurements. An unknown room or
// tag returns ErrRoomNotFound or ErrBottleNotFound before anything is
// written.
func (r *Recorder) RelocateBottle(ctx context.Context, roomID, rfidTag string) (*Relocation, error) {
	if rfidTag == "" {
		return nil, fmt.Errorf("%w: empty rfid tag", ErrMalformedPayload)
	}
	if _, err := r.records.Get(ctx, r.types.Room, roomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
		}
		return nil, fmt.Errorf("loading room %s: %w", roomID, err)
	}

	docs, err := r.records.Query(ctx, r.types.Bottle, store.Filter{"profile.rfid_tag": rfidTag})
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", r.types.Bottle, err)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: rfid tag %s", ErrBottleNotFound, rfidTag)
	}
	bottleID, err := store.DocumentID(docs[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBottleNotFound, err)
	}
	data, _ := docs[0]["data"].(map[string]any)
	previous, _ := data["room_id"].(string)
	if previous == roomID {
		previous = ""
	}

	if previous != "" {
		err := r.records.Pull(ctx, r.types.Room, previous, pathBottles, bottleID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			r.logger.Warn("previous room of bottle is gone", "bottle_id", bottleID, "room_id", previous)
		case err != nil:
			return nil, fmt.Errorf("removing %s from room %s: %w", bottleID, previous, err)
		}
	}

	if err := r.records.Update(ctx, r.types.Bottle, bottleID, store.Document{
		"data": map[string]any{"room_id": roomID},
	}); err != nil {
		return nil, fmt.Errorf("moving bottle %s: %w", bottleID, err)
	}
	if err := r.records.AddToSet(ctx, r.types.Room, roomID, pathBottles, bottleID); err != nil {
		return nil, fmt.Errorf("adding %s to room %s: %w", bottleID, roomID, err)
	}

	ts := r.now().UTC().Truncate(time.Microsecond)
	entry := replica.Measurement{
		MeasureType: MeasureRFID,
		Value:       rfidTag,
		Timestamp:   ts,
		DeviceID:    MeasureRFID + "_reader",
	}.Document()
	if err := r.records.Append(ctx, r.types.Room, roomID, pathMeasurements, entry); err != nil {
		return nil, fmt.Errorf("appending rfid read to %s: %w", roomID, err)
	}

	moved := &Relocation{
		BottleType:     r.types.Bottle,
		BottleID:       bottleID,
		RoomType:       r.types.Room,
		RoomID:         roomID,
		PreviousRoomID: previous,
		Timestamp:      ts,
	}
	if r.notifier != nil {
		r.notifier.Broadcast(EventBottleRelocated, moved)
	}
	r.logger.Info("bottle relocated", "bottle_id", bottleID, "room_id", roomID, "previous_room_id", moved.PreviousRoomID)
	return moved, nil
}

// Occupied reports whether a room record still holds bottles or devices.
// Such rooms must be emptied before they are deleted.
func Occupied(room store.Document) bool {
	data, _ := room["data"].(map[string]any)
	for _, key := range []string{"bottles", "devices"} {
		if list, _ := data[key].([]any); len(list) > 0 {
			return true
		}
	}
	return false
}

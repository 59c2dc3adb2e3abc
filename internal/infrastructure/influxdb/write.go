package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxDB measurement (table) names.
const (
	MeasurementReplica = "replica_measurement"
	MeasurementAccess  = "replica_access"
)

// Measurement is one numeric reading appended to a replica.
type Measurement struct {
	RecordType  string
	RecordID    string
	MeasureType string
	DeviceID    string
	Value       float64
	Timestamp   time.Time
}

// AccessEvent is one badge read linking a room and an actor.
type AccessEvent struct {
	RoomID     string
	ActorID    string
	AccessType string
	Timestamp  time.Time
}

// WriteMeasurement queues a replica measurement point. No-op when disconnected.
//
// Example:
//
//	client.WriteMeasurement(influxdb.Measurement{
//	    RecordType: "patient", RecordID: id, MeasureType: "heart_rate",
//	    DeviceID: "heart_rate_sensor", Value: 72.5, Timestamp: ts,
//	})
func (c *Client) WriteMeasurement(m Measurement) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(measurementPoint(m))
}

// WriteAccessEvent queues an access event point. No-op when disconnected.
func (c *Client) WriteAccessEvent(e AccessEvent) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(accessPoint(e))
}

func measurementPoint(m Measurement) *write.Point {
	tags := map[string]string{
		"record_type":  m.RecordType,
		"record_id":    m.RecordID,
		"measure_type": m.MeasureType,
	}
	if m.DeviceID != "" {
		tags["device_id"] = m.DeviceID
	}
	return write.NewPoint(MeasurementReplica, tags,
		map[string]any{"value": m.Value},
		pointTime(m.Timestamp),
	)
}

func accessPoint(e AccessEvent) *write.Point {
	return write.NewPoint(MeasurementAccess,
		map[string]string{
			"room_id":     e.RoomID,
			"access_type": e.AccessType,
		},
		// Actor ids are unbounded, so they are a field rather than a tag.
		map[string]any{"actor_id": e.ActorID},
		pointTime(e.Timestamp),
	)
}

func pointTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now()
	}
	return ts
}

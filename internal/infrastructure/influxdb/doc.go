// Package influxdb mirrors replica telemetry into InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. The record store is
// authoritative; InfluxDB receives a best-effort copy of every measurement
// and access event the ingestion pipeline applies, for time-series queries
// and dashboards.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // mirroring switched off
//	}
//	defer client.Close()
//
//	client.WriteMeasurement(influxdb.Measurement{
//	    RecordType: "room", RecordID: roomID,
//	    MeasureType: "temperature", Value: 14.2,
//	})
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are batched according to
// batch_size and flush_interval; failures arrive via SetOnError.
package influxdb

// Package ingest applies broker telemetry to Digital Replicas.
//
// Three topic grammars are recognised under a configurable root:
//
//	<root>/<floor>/<room>/rfid                  {"rfid_tag": "RF9"}
//	<root>/patient/<patient-id>/vitals/<vital>  72.5
//	<root>/<floor>/<room>/temperature           13.4
//
// A badge read appends an entry to the room's data.access_logs and a
// matching entry to the actor's data.room_access_history. Vitals and
// temperatures append a measurement to data.measurements; temperatures
// also refresh the room's data.temperature.
//
// Ingestion is best effort. Malformed topics and payloads, unknown rooms,
// actors or patients, and store failures drop the message with a log line
// and a metric; the publisher never hears about it. Broker failures are
// retried by the pipeline's supervisor until Stop.
//
// Usage:
//
//	recorder := ingest.NewRecorder(records, ingest.TypesFrom(cfg))
//	p, err := ingest.New(ingest.Options{
//	    Config:    ingest.ConfigFrom(cfg),
//	    Transport: mqttClient,
//	    Recorder:  recorder,
//	    Logger:    log,
//	})
//	if err := p.Start(ctx); err != nil { ... }
//	defer p.Stop()
package ingest

package ingest

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/nerrad567/replica-core/internal/ingest")

// Attribute keys attached to ingestion records.
const (
	attrKind   = "kind"
	attrReason = "reason"
)

// Drop reasons.
const (
	reasonTopic    = "malformed_topic"
	reasonPayload  = "malformed_payload"
	reasonLookup   = "lookup_miss"
	reasonStore    = "store_error"
	reasonShutdown = "shutdown"
)

var (
	// messagesReceived counts messages taken off the queue by a worker.
	messagesReceived metric.Int64Counter
	// messagesApplied counts messages that mutated at least one record.
	//
	// Each record is labelled with the topic kind.
	messagesApplied metric.Int64Counter
	// messagesDropped counts messages discarded at the handler boundary.
	//
	// Each record is labelled with the topic kind (empty for unroutable
	// topics) and the drop reason.
	messagesDropped metric.Int64Counter
	// connectAttempts counts supervisor connection attempts.
	connectAttempts metric.Int64Counter
)

func init() {
	var err error
	messagesReceived, err = meter.Int64Counter(
		"ingest.messages.received",
		metric.WithDescription("Telemetry messages picked up by an ingestion worker."),
	)
	if err != nil {
		panic(fmt.Sprintf("ingest: failed to init 'ingest.messages.received' instrument: %v", err))
	}

	messagesApplied, err = meter.Int64Counter(
		"ingest.messages.applied",
		metric.WithDescription("Telemetry messages that were written to the record store."),
	)
	if err != nil {
		panic(fmt.Sprintf("ingest: failed to init 'ingest.messages.applied' instrument: %v", err))
	}

	messagesDropped, err = meter.Int64Counter(
		"ingest.messages.dropped",
		metric.WithDescription("Telemetry messages discarded because of a bad topic, bad payload, lookup miss or store error."),
	)
	if err != nil {
		panic(fmt.Sprintf("ingest: failed to init 'ingest.messages.dropped' instrument: %v", err))
	}

	connectAttempts, err = meter.Int64Counter(
		"ingest.connect.attempts",
		metric.WithDescription("Broker connection attempts made by the ingestion supervisor."),
	)
	if err != nil {
		panic(fmt.Sprintf("ingest: failed to init 'ingest.connect.attempts' instrument: %v", err))
	}
}

func recordApplied(ctx context.Context, kind string) {
	attrs := attribute.NewSet(attribute.String(attrKind, kind))
	messagesApplied.Add(context.WithoutCancel(ctx), 1, metric.WithAttributeSet(attrs))
}

func recordDropped(ctx context.Context, kind, reason string) {
	attrs := attribute.NewSet(
		attribute.String(attrKind, kind),
		attribute.String(attrReason, reason),
	)
	messagesDropped.Add(context.WithoutCancel(ctx), 1, metric.WithAttributeSet(attrs))
}

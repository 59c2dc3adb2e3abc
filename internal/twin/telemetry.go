package twin

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/nerrad567/replica-core/internal/twin")
var meter = otel.Meter("github.com/nerrad567/replica-core/internal/twin")

const (
	// attrService labels invocation records with the service name.
	attrService = "service"
	// attrTwin labels invocation spans with the twin id.
	attrTwin = "digital_twin"
)

var (
	// invocationDuration measures successful service invocations, including
	// the snapshot load.
	//
	// Each record is associated with attrService.
	invocationDuration metric.Float64Histogram
	// invocationFailures counts invocations that returned an error.
	//
	// Each record is associated with attrService.
	invocationFailures metric.Int64Counter
	// missingMembers counts member references whose record no longer
	// exists when a snapshot is taken.
	missingMembers metric.Int64Counter
)

func init() {
	var err error
	invocationDuration, err = meter.Float64Histogram(
		"twin.service.invocation.duration",
		metric.WithDescription("The duration of a digital twin service invocation, including loading the member snapshot."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("twin: failed to init 'twin.service.invocation.duration' instrument: %v", err))
	}

	invocationFailures, err = meter.Int64Counter(
		"twin.service.invocation.failures",
		metric.WithDescription("The number of digital twin service invocations that returned an error."),
	)
	if err != nil {
		panic(fmt.Sprintf("twin: failed to init 'twin.service.invocation.failures' instrument: %v", err))
	}

	missingMembers, err = meter.Int64Counter(
		"twin.snapshot.missing_members",
		metric.WithDescription("Member references skipped because the replica no longer exists."),
	)
	if err != nil {
		panic(fmt.Sprintf("twin: failed to init 'twin.snapshot.missing_members' instrument: %v", err))
	}
}

// measureInvocation records the duration of a successful invocation or
// counts a failed one.
func measureInvocation(ctx context.Context, service string, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(attrService, service))
	if succeeded {
		invocationDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
		return
	}
	invocationFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
}

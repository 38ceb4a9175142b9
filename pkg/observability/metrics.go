package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

const (
	metricRoundsTotal   = "quiesce.rounds.total"
	metricTimeoutsTotal = "quiesce.rounds.timeouts.total"
	metricBarrierWait   = "quiesce.barrier.wait.seconds"
	metricParkedThreads = "quiesce.threads.parked"

	attrOutcome = "outcome"
)

// barrierWaitBuckets covers sub-millisecond all-arrived rounds up to the 5s
// debug-mode barrier timeout.
var barrierWaitBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// RoundMetrics holds the OTel instruments for checkpoint round outcomes.
type RoundMetrics struct {
	roundsTotal   metric.Int64Counter
	timeoutsTotal metric.Int64Counter
	barrierWait   metric.Float64Histogram
	parkedThreads metric.Int64UpDownCounter
}

// NewRoundMetrics creates the round instruments from the given meter.
func NewRoundMetrics(mt metric.Meter) (*RoundMetrics, error) {
	rounds, err := mt.Int64Counter(metricRoundsTotal,
		metric.WithDescription("Total number of checkpoint rounds, by outcome"),
		metric.WithUnit("{round}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRoundsTotal, err)
	}

	timeouts, err := mt.Int64Counter(metricTimeoutsTotal,
		metric.WithDescription("Total number of rounds aborted by barrier timeout"),
		metric.WithUnit("{round}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricTimeoutsTotal, err)
	}

	wait, err := mt.Float64Histogram(metricBarrierWait,
		metric.WithDescription("Leader wait for barrier completion in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(barrierWaitBuckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricBarrierWait, err)
	}

	parked, err := mt.Int64UpDownCounter(metricParkedThreads,
		metric.WithDescription("Number of threads currently parked at a barrier"),
		metric.WithUnit("{thread}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricParkedThreads, err)
	}

	return &RoundMetrics{
		roundsTotal:   rounds,
		timeoutsTotal: timeouts,
		barrierWait:   wait,
		parkedThreads: parked,
	}, nil
}

// NopRoundMetrics creates round instruments backed by the no-op meter, for
// callers that run without a metrics pipeline.
func NopRoundMetrics() *RoundMetrics {
	rm, err := NewRoundMetrics(noopmetric.NewMeterProvider().Meter("quiesce"))
	if err != nil {
		// The noop meter never fails to create instruments.
		panic(err)
	}

	return rm
}

// RecordRound records a finished round with its outcome and the leader's
// barrier wait duration.
func (rm *RoundMetrics) RecordRound(ctx context.Context, outcome string, wait time.Duration) {
	attrs := metric.WithAttributes(attribute.String(attrOutcome, outcome))

	rm.roundsTotal.Add(ctx, 1, attrs)
	rm.barrierWait.Record(ctx, wait.Seconds(), attrs)
}

// RecordTimeout records a round aborted by barrier timeout.
func (rm *RoundMetrics) RecordTimeout(ctx context.Context) {
	rm.timeoutsTotal.Add(ctx, 1)
}

// ThreadParked adjusts the parked-thread gauge by delta (+1 on park, -1 on
// release).
func (rm *RoundMetrics) ThreadParked(ctx context.Context, delta int64) {
	rm.parkedThreads.Add(ctx, delta)
}

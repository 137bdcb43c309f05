package impact

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("redeven.impact")
	meter  = otel.Meter("redeven.impact")
)

var (
	runDuration     metric.Float64Histogram
	runTotal        metric.Int64Counter
	runScores       metric.Float64Histogram
	runItems        metric.Int64Histogram
	oracleFailures  metric.Int64Counter
	reviewTotal     metric.Int64Counter
	suggestionTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		if runDuration, err = meter.Float64Histogram(
			"impact_run_duration_seconds",
			metric.WithDescription("Duration of impact analysis passes"),
			metric.WithUnit("s"),
		); err != nil {
			metricsErr = err
			return
		}
		if runTotal, err = meter.Int64Counter(
			"impact_runs_total",
			metric.WithDescription("Impact analysis passes by terminal status"),
		); err != nil {
			metricsErr = err
			return
		}
		if runScores, err = meter.Float64Histogram(
			"impact_run_score",
			metric.WithDescription("Distribution of run impact scores"),
		); err != nil {
			metricsErr = err
			return
		}
		if runItems, err = meter.Int64Histogram(
			"impact_run_items",
			metric.WithDescription("Number of items produced per run"),
		); err != nil {
			metricsErr = err
			return
		}
		if oracleFailures, err = meter.Int64Counter(
			"impact_oracle_failed_targets_total",
			metric.WithDescription("Targets the classifier oracle failed on"),
		); err != nil {
			metricsErr = err
			return
		}
		if reviewTotal, err = meter.Int64Counter(
			"impact_review_transitions_total",
			metric.WithDescription("Effective review status transitions"),
		); err != nil {
			metricsErr = err
			return
		}
		suggestionTotal, metricsErr = meter.Int64Counter(
			"impact_suggestion_decisions_total",
			metric.WithDescription("Link suggestion decisions"),
		)
	})
	return metricsErr
}

func startRunSpan(ctx context.Context, runID string, artefactID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Engine.analyze",
		trace.WithAttributes(
			attribute.String("impact.run_id", runID),
			attribute.String("impact.artefact_id", artefactID),
		),
	)
}

func endRunSpan(span trace.Span, r Run, items int) {
	span.SetAttributes(
		attribute.String("impact.status", string(r.Status)),
		attribute.Float64("impact.score", r.ImpactScore),
		attribute.Int("impact.items", items),
		attribute.Bool("impact.degraded", r.Summary.Degraded),
	)
	if r.Status == RunFailed {
		span.SetStatus(codes.Error, r.Error)
	}
	span.End()
}

func recordRunMetrics(ctx context.Context, duration time.Duration, r Run, items int) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("status", string(r.Status)),
		attribute.Bool("degraded", r.Summary.Degraded),
	)
	runDuration.Record(ctx, duration.Seconds(), attrs)
	runTotal.Add(ctx, 1, attrs)
	if r.Status == RunCompleted {
		runScores.Record(ctx, r.ImpactScore)
		runItems.Record(ctx, int64(items))
	}
	if n := len(r.Summary.FailedTargets); n > 0 {
		oracleFailures.Add(ctx, int64(n))
	}
}

func recordReviewTransition(ctx context.Context, from ReviewStatus, to ReviewStatus) {
	if err := initMetrics(); err != nil {
		return
	}
	reviewTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func recordSuggestionDecision(ctx context.Context, status SuggestionStatus) {
	if err := initMetrics(); err != nil {
		return
	}
	suggestionTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

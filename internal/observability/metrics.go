// Package observability emits billing metrics to CloudWatch. Every emitter is
// best-effort: a metrics failure is logged and never propagated, so the
// billing path stays metric-agnostic.
package observability

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"aitextspeak/internal/billing"
	"aitextspeak/internal/scheduler"
	"aitextspeak/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metrics publishes billing counters to a CloudWatch namespace.
//
// Metrics emitted:
//   - BillingEvent:  Dims {Provider, Kind, Outcome} -- one per applied event
//   - SweepRevoked / SweepHealed / SweepAnomalies / SweepErrors -- per sweep
type Metrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewMetrics creates a Metrics emitter. A nil client yields a no-op emitter,
// for local development without AWS.
func NewMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Metrics{client: client, namespace: namespace, logger: logger}
}

// EventApplied implements billing.Metrics.
func (m *Metrics) EventApplied(ctx context.Context, provider types.Provider, kind billing.EventKind, outcome string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("BillingEvent"),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("Provider"), Value: aws.String(string(provider))},
			{Name: aws.String("Kind"), Value: aws.String(string(kind))},
			{Name: aws.String("Outcome"), Value: aws.String(outcome)},
		},
	})
}

// SweepCompleted publishes the headline counters of one sweep report.
func (m *Metrics) SweepCompleted(ctx context.Context, report *scheduler.SweepReport) {
	if report == nil {
		return
	}

	revoked := len(report.RevokedUserIDs)
	errs := report.RevokeErrors + report.Heal.Errors
	anomalies := 0
	for _, sync := range report.Sync {
		revoked += len(sync.RevokedUserIDs)
		errs += sync.Errors
	}
	for _, disc := range report.Discovery {
		anomalies += disc.Anomalies
		errs += disc.Errors
	}

	m.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String("SweepRevoked"),
			Value:      aws.Float64(float64(revoked)),
			Unit:       cwtypes.StandardUnitCount,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String("SweepHealed"),
			Value:      aws.Float64(float64(report.Heal.Created)),
			Unit:       cwtypes.StandardUnitCount,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String("SweepAnomalies"),
			Value:      aws.Float64(float64(anomalies)),
			Unit:       cwtypes.StandardUnitCount,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String("SweepErrors"),
			Value:      aws.Float64(float64(errs)),
			Unit:       cwtypes.StandardUnitCount,
		},
	)
}

func (m *Metrics) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	if m.client == nil {
		return
	}
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to publish metrics", "error", err)
	}
}

var _ billing.Metrics = (*Metrics)(nil)

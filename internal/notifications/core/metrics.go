package core

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"chimenotify/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Compile-time assertion that CloudWatchDispatchMetrics implements DispatchMetrics.
var _ DispatchMetrics = (*CloudWatchDispatchMetrics)(nil)

// CloudWatchDispatchMetrics emits dispatch metrics to AWS CloudWatch.
//
// Metrics emitted:
//   - DeliveryAttempt: Dims {ProjectID, Result, ErrorKind}
//   - DeliveryLatency: Dims {ProjectID}
//   - DispatchFiltered: Dims {ProjectID, BuildStatus}
//   - DispatchQueueLag: no dims
//
// Errors from CloudWatch are logged and swallowed.
type CloudWatchDispatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchDispatchMetrics creates a publisher for namespace, falling
// back to types.MetricNamespace when empty.
func NewCloudWatchDispatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchDispatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &CloudWatchDispatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordDelivery emits a DeliveryAttempt count. kind is empty on success.
func (m *CloudWatchDispatchMetrics) RecordDelivery(ctx context.Context, projectID string, result MetricResult, kind types.NotifyErrorKind) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(types.DimProject), Value: aws.String(projectID)},
		{Name: aws.String(types.DimResult), Value: aws.String(string(result))},
	}
	if kind != "" {
		dims = append(dims, cwtypes.Dimension{Name: aws.String(types.DimErrorKind), Value: aws.String(string(kind))})
	}

	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeliveryAttempt),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	}, "project_id", projectID, "result", string(result))
}

// RecordLatency emits the webhook round trip in milliseconds.
func (m *CloudWatchDispatchMetrics) RecordLatency(ctx context.Context, projectID string, duration time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeliveryLatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimProject), Value: aws.String(projectID)},
		},
	}, "project_id", projectID, "duration_ms", duration.Milliseconds())
}

// RecordFiltered counts events dropped by a status filter.
func (m *CloudWatchDispatchMetrics) RecordFiltered(ctx context.Context, projectID string, status types.BuildStatus) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDispatchFiltered),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimProject), Value: aws.String(projectID)},
			{Name: aws.String(types.DimStatus), Value: aws.String(string(status))},
		},
	}, "project_id", projectID, "status", string(status))
}

// RecordQueueLag emits the time between SQS enqueue and worker pickup.
func (m *CloudWatchDispatchMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricQueueLag),
		Value:      aws.Float64(float64(lag.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	}, "lag_ms", lag.Milliseconds())
}

func (m *CloudWatchDispatchMetrics) put(ctx context.Context, datum cwtypes.MetricDatum, logArgs ...any) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		args := append([]any{"error", err.Error(), "metric", aws.ToString(datum.MetricName)}, logArgs...)
		m.logger.Error("failed to record metric", args...)
	}
}

package external

import (
	"context"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchClient is the PutMetricData subset of *cloudwatch.Client.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes one Count datum per call. Publish failures are
// logged and swallowed.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ MetricsRecorder = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a CloudWatchMetrics.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// Count implements MetricsRecorder.
func (m *CloudWatchMetrics) Count(ctx context.Context, metric string, dims map[string]string) {
	names := make([]string, 0, len(dims))
	for k := range dims {
		names = append(names, k)
	}
	sort.Strings(names)

	dimensions := make([]cwtypes.Dimension, 0, len(names))
	for _, k := range names {
		dimensions = append(dimensions, cwtypes.Dimension{
			Name:  aws.String(k),
			Value: aws.String(dims[k]),
		})
	}

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(metric),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dimensions,
		}},
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to publish metric", "metric", metric, "error", err)
	}
}

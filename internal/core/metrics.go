package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"chimenotify/internal/types"
)

// PutMetricDataAPI is the CloudWatch operation used by CloudWatchCollector.
type PutMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

const (
	// maxDatumsPerPut is the PutMetricData batch limit.
	maxDatumsPerPut    = 1000
	metricsBufferSize  = 512
	metricsFlushPeriod = 10 * time.Second
	metricsPutTimeout  = 5 * time.Second
)

var _ MetricsCollector = (*CloudWatchCollector)(nil)

// CloudWatchCollector buffers request metrics and publishes them in batches
// from a background goroutine so the request path never waits on CloudWatch.
// Data points are dropped when the buffer is full.
type CloudWatchCollector struct {
	client    PutMetricDataAPI
	namespace string
	logger    *slog.Logger

	data chan cwtypes.MetricDatum
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewCloudWatchCollector starts the flush loop. Call Close to stop it.
func NewCloudWatchCollector(client PutMetricDataAPI, namespace string, logger *slog.Logger) *CloudWatchCollector {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	c := &CloudWatchCollector{
		client:    client,
		namespace: namespace,
		logger:    logger,
		data:      make(chan cwtypes.MetricDatum, metricsBufferSize),
		done:      make(chan struct{}),
	}
	c.wg.Add(1)
	go c.loop(metricsFlushPeriod)
	return c
}

// RecordRequest queues a latency and a count datum for the request.
func (c *CloudWatchCollector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(types.DimEndpoint), Value: aws.String(method + " " + endpoint)},
		{Name: aws.String(types.DimCode), Value: aws.String(status)},
	}
	now := time.Now()
	c.enqueue(cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricAPILatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: dims,
		Timestamp:  aws.Time(now),
	})
	c.enqueue(cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricAPIRequestCount),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
		Timestamp:  aws.Time(now),
	})
}

func (c *CloudWatchCollector) enqueue(d cwtypes.MetricDatum) {
	select {
	case c.data <- d:
	default:
		c.logger.Warn("metrics buffer full, dropping datum", "metric", aws.ToString(d.MetricName))
	}
}

// Close flushes buffered data and stops the loop. It is safe to call more
// than once.
func (c *CloudWatchCollector) Close(ctx context.Context) error {
	c.once.Do(func() { close(c.done) })

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *CloudWatchCollector) loop(period time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var batch []cwtypes.MetricDatum
	for {
		select {
		case d := <-c.data:
			batch = append(batch, d)
			if len(batch) >= maxDatumsPerPut {
				batch = c.flush(batch)
			}
		case <-ticker.C:
			batch = c.flush(batch)
		case <-c.done:
			for {
				select {
				case d := <-c.data:
					batch = append(batch, d)
				default:
					c.flush(batch)
					return
				}
			}
		}
	}
}

// flush publishes batch and returns it emptied for reuse.
func (c *CloudWatchCollector) flush(batch []cwtypes.MetricDatum) []cwtypes.MetricDatum {
	for len(batch) > 0 {
		n := min(len(batch), maxDatumsPerPut)

		ctx, cancel := context.WithTimeout(context.Background(), metricsPutTimeout)
		_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(c.namespace),
			MetricData: batch[:n],
		})
		cancel()
		if err != nil {
			c.logger.Error("failed to publish API metrics", "error", err, "datums", n)
		}
		batch = batch[n:]
	}
	return batch[:0]
}

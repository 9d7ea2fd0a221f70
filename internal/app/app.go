// Package app assembles the delivery pipeline from configuration. The ingest
// API, the queue worker and the CLI all build the same graph:
//
//	Provider (file | postgres) -> CachedProvider -> Dispatcher
//	Formatter + chime.Client   -> Dispatcher
//	DeliveryRepository         -> DeliveryManager -> Dispatcher (optional)
//	CloudWatch                 -> DispatchMetrics -> Dispatcher (optional)
//	SQS                        -> DispatchPublisher            (optional)
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/jackc/pgx/v5/pgxpool"

	"chimenotify/internal/config"
	"chimenotify/internal/core"
	"chimenotify/internal/db"
	"chimenotify/internal/notifications/chime"
	notifycore "chimenotify/internal/notifications/core"
	"chimenotify/internal/preferences"
	"chimenotify/internal/types"
)

// Components is the assembled pipeline. Optional parts are nil when the
// configuration does not enable them.
type Components struct {
	Dispatcher *notifycore.Dispatcher
	Provider   notifycore.PreferenceProvider
	Client     *chime.Client
	Formatter  *chime.Formatter
	Policy     *notifycore.PolicyEngineImpl

	Publisher   *notifycore.DispatchPublisher
	Metrics     notifycore.DispatchMetrics
	Preferences *db.PreferenceRepository // set whenever a database is configured
	Deliveries  *db.DeliveryRepository   // set when DB_RECORD_DELIVERIES is on

	// AWS is populated when metrics or the dispatch queue are enabled.
	AWS        *aws.Config
	CloudWatch *cloudwatch.Client

	Probes []core.HealthProbe

	closers []func(context.Context) error
}

// Options adjusts Build for a particular entry point.
type Options struct {
	// SkipQueue leaves Publisher nil even when SQS_DISPATCH_QUEUE is set.
	SkipQueue bool
}

// Build wires the pipeline described by cfg. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (_ *Components, err error) {
	log := SlogAdapter{Logger: logger}
	c := &Components{}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	if cfg.Observability.EnableMetrics || (cfg.AsyncDispatch() && !opts.SkipQueue) {
		awsCfg, err := LoadAWSConfig(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		c.AWS = &awsCfg
	}

	if err := c.buildProvider(ctx, cfg, logger, log); err != nil {
		return nil, err
	}

	client, err := chime.NewClient(chime.ClientConfig{
		UserAgent:            cfg.UserAgentOrDefault(),
		Timeout:              cfg.Chime.Timeout,
		MaxRedirects:         cfg.Chime.MaxRedirects,
		RequireHTTPS:         cfg.Chime.RequireHTTPS,
		AllowPrivateNetworks: cfg.Chime.AllowPrivateNetworks,
	}, log.With("component", "chime_client"))
	if err != nil {
		return nil, err
	}
	c.Client = client
	c.Formatter = chime.NewFormatter(cfg.Chime.RootURL, cfg.Chime.ContentField)

	dispatchOpts := []notifycore.DispatcherOption{
		notifycore.WithProvider(c.Provider),
		notifycore.WithFanout(cfg.Preferences.FanOut),
		notifycore.WithDefaultContentField(cfg.Chime.ContentField),
	}

	if cfg.Observability.EnableMetrics {
		c.CloudWatch = cloudwatch.NewFromConfig(*c.AWS)
		c.Metrics = notifycore.NewCloudWatchDispatchMetrics(c.CloudWatch, cfg.Observability.MetricNamespace, log.With("component", "metrics"))
		dispatchOpts = append(dispatchOpts, notifycore.WithMetrics(c.Metrics))
	}

	if c.Deliveries != nil {
		mgr := notifycore.NewDeliveryManager(c.Deliveries, types.RealClock{}, log.With("component", "delivery_log"))
		dispatchOpts = append(dispatchOpts, notifycore.WithDeliveryManager(mgr))
	}

	c.Dispatcher = notifycore.NewDispatcher(c.Formatter, c.Client, log.With("component", "dispatcher"), dispatchOpts...)
	c.Policy = notifycore.NewPolicyEngine(RetryPolicy(cfg.Retry), log.With("component", "policy"))

	if cfg.AsyncDispatch() && !opts.SkipQueue {
		sqsClient := sqs.NewFromConfig(*c.AWS)
		c.Publisher = notifycore.NewDispatchPublisher(sqsClient, cfg.AWS.DispatchQueue, log.With("component", "publisher"))
		c.Probes = append(c.Probes, queueProbe(sqsClient, cfg.AWS.DispatchQueue))
	}

	return c, nil
}

func (c *Components) buildProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger, log types.Logger) error {
	var pool *pgxpool.Pool
	if cfg.Preferences.Source == config.SourcePostgres || cfg.Database.RecordDeliveries {
		var err error
		pool, err = db.NewPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, closePool(pool))
		c.Preferences = db.NewPreferenceRepository(pool)
		c.Probes = append(c.Probes, core.ProbeFunc{ProbeName: "database", Fn: c.Preferences.Ping})

		if cfg.Database.RecordDeliveries {
			c.Deliveries = db.NewDeliveryRepository(pool)
		}
	}

	var inner notifycore.PreferenceProvider
	switch cfg.Preferences.Source {
	case config.SourcePostgres:
		inner = c.Preferences

	default:
		v := core.NewValidator(logger, core.WithInsecureWebhooks(!cfg.Chime.RequireHTTPS))
		fp, err := preferences.NewFileProvider(cfg.Preferences.File, v)
		if err != nil {
			return err
		}
		logger.Info("preferences loaded", "file", fp.Path(), "projects", fp.Projects())
		inner = fp
	}

	if cfg.Preferences.CacheTTL <= 0 {
		c.Provider = inner
		return nil
	}

	cached, err := preferences.NewCachedProvider(inner, cfg.Preferences.CacheTTL, cfg.Preferences.CacheMaxCost, log.With("component", "preference_cache"))
	if err != nil {
		return err
	}
	c.closers = append(c.closers, func(context.Context) error {
		cached.Close()
		return nil
	})
	c.Provider = cached
	return nil
}

// Close releases resources in reverse order of acquisition.
func (c *Components) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// LoadAWSConfig loads the default credential chain for the configured
// region, pointing every client at EndpointURL when set (LocalStack).
func LoadAWSConfig(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.EndpointURL)
	}
	return awsCfg, nil
}

// RetryPolicy converts the RETRY_* settings, keeping defaults for zero
// values.
func RetryPolicy(rc config.RetryConfig) notifycore.RetryPolicy {
	p := notifycore.DefaultRetryPolicy
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.BaseDelay > 0 {
		p.BaseDelay = rc.BaseDelay
	}
	if rc.MaxDelay > 0 {
		p.MaxDelay = rc.MaxDelay
	}
	if rc.BackoffFactor >= 1 {
		p.BackoffFactor = rc.BackoffFactor
	}
	return p
}

// QueueAttributesAPI is the SQS call used by the queue health probe.
type QueueAttributesAPI interface {
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

func queueProbe(client QueueAttributesAPI, queueURL string) core.HealthProbe {
	return core.ProbeFunc{
		ProbeName: "dispatch_queue",
		Fn: func(ctx context.Context) error {
			_, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
				QueueUrl:       aws.String(queueURL),
				AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameApproximateNumberOfMessages},
			})
			return err
		},
	}
}

func closePool(pool *pgxpool.Pool) func(context.Context) error {
	return func(context.Context) error {
		pool.Close()
		return nil
	}
}

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"chimenotify/internal/types"
)

// maxSQSDelay is the SQS DelaySeconds ceiling.
const maxSQSDelay = 900

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// DispatchPublisher puts DispatchMessages on the dispatch queue, both for the
// first attempt (from the ingest API) and for retries (from the worker).
type DispatchPublisher struct {
	client   SQSSender
	queueURL string
	logger   types.Logger
}

// NewDispatchPublisher creates a publisher targeting queueURL.
func NewDispatchPublisher(client SQSSender, queueURL string, logger types.Logger) *DispatchPublisher {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &DispatchPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// Enqueue sends msg unchanged with no delay.
func (p *DispatchPublisher) Enqueue(ctx context.Context, msg types.DispatchMessage) error {
	return p.send(ctx, msg, 0)
}

// Publish increments the message's RetryCount, serializes it and sends it
// with the given delay, clamped to the SQS limit of 900 seconds.
//
// msg is passed by value; the caller's copy keeps its RetryCount.
func (p *DispatchPublisher) Publish(ctx context.Context, msg types.DispatchMessage, delay time.Duration) error {
	msg.RetryCount++
	return p.send(ctx, msg, delay)
}

func (p *DispatchPublisher) send(ctx context.Context, msg types.DispatchMessage, delay time.Duration) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dispatch publisher: failed to marshal message: %w", err)
	}

	delaySec := int32(delay.Seconds())
	if delaySec > maxSQSDelay {
		delaySec = maxSQSDelay
	}
	if delaySec < 0 {
		delaySec = 0
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySec,
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("dispatch publisher: failed to send message to %s: %w", p.queueURL, err)
	}

	p.logger.Info("dispatch message published",
		"event_id", msg.EventID,
		"project_id", msg.Event.ProjectID,
		"retry_count", msg.RetryCount,
		"delay_seconds", delaySec,
		"trace_id", msg.TraceID,
	)
	return nil
}

package consumer

import (
	"context"
	"errors"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/photoproc/internal/delivery"
	"github.com/angelmondragon/photoproc/internal/processing"
	pkgerrors "github.com/angelmondragon/photoproc/pkg/errors"
	"github.com/angelmondragon/photoproc/pkg/logger"
)

// JobProcessor runs one decoded job.
type JobProcessor interface {
	Process(ctx context.Context, job delivery.Job) processing.Result
}

// Consumer pulls photo jobs from a Pub/Sub subscription.
type Consumer struct {
	processor    JobProcessor
	subscription *pubsub.Subscriber
	logg         *logger.Logger
}

// NewConsumer constructs a consumer that watches the provided subscription.
func NewConsumer(processor JobProcessor, subscription *pubsub.Subscriber, logg *logger.Logger) (*Consumer, error) {
	if processor == nil {
		return nil, errors.New("photo processor is required")
	}
	if subscription == nil {
		return nil, errors.New("photo subscription is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &Consumer{
		processor:    processor,
		subscription: subscription,
		logg:         logg,
	}, nil
}

// Run processes messages until the context is canceled or the subscription errors.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg).nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	nack   bool
	result processing.Result
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	logCtx := c.logg.WithField(ctx, "message_id", msg.ID)

	job, err := delivery.Decode(delivery.Inbound{
		Data:             msg.Data,
		Attributes:       msg.Attributes,
		MessageID:        msg.ID,
		TransportAttempt: msg.DeliveryAttempt,
	})
	if err != nil {
		fields := map[string]any{"reason": pkgerrors.ReasonOf(err, delivery.ReasonMalformedEnvelope)}
		if msg.Data != nil {
			fields["payload_len"] = len(msg.Data)
		}
		c.logg.Error(c.logg.WithFields(logCtx, fields), "dropping malformed photo job", err)
		return processResult{}
	}

	res := c.processor.Process(logCtx, job)
	return processResult{nack: !res.Ack(), result: res}
}

package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"
)

const (
	AttrAttempt       = "attempt"
	AttrCorrelationID = "correlationId"
)

// MessagePublisher publishes a message and waits for the server id.
type MessagePublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) (string, error)
}

type topicPublisher struct {
	publisher *pubsub.Publisher
}

// WrapPublisher adapts a v2 Publisher to MessagePublisher.
func WrapPublisher(p *pubsub.Publisher) MessagePublisher {
	if p == nil {
		return nil
	}
	return topicPublisher{publisher: p}
}

func (t topicPublisher) Publish(ctx context.Context, msg *pubsub.Message) (string, error) {
	return t.publisher.Publish(ctx, msg).Get(ctx)
}

// JobPublisher enqueues photo processing jobs.
type JobPublisher struct {
	publisher MessagePublisher
}

type photoJob struct {
	PhotoID int64 `json:"photoId"`
}

func NewJobPublisher(publisher MessagePublisher) (*JobPublisher, error) {
	if publisher == nil {
		return nil, errors.New("publisher required")
	}
	return &JobPublisher{publisher: publisher}, nil
}

// PublishPhotoJob sends {"photoId": id} as a first attempt.
func (p *JobPublisher) PublishPhotoJob(ctx context.Context, photoID int64, correlationID string) (string, error) {
	data, err := json.Marshal(photoJob{PhotoID: photoID})
	if err != nil {
		return "", fmt.Errorf("marshal photo job: %w", err)
	}

	attrs := map[string]string{
		AttrAttempt: strconv.Itoa(1),
	}
	if correlationID != "" {
		attrs[AttrCorrelationID] = correlationID
	}

	id, err := p.publisher.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if err != nil {
		return "", fmt.Errorf("publish photo job %d: %w", photoID, err)
	}
	return id, nil
}

package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/angelmondragon/photoproc/pkg/config"
	"github.com/angelmondragon/photoproc/pkg/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	kindSubscriptions = "subscriptions"
	kindTopics        = "topics"
)

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errSubscriptionRequired = errors.New("photo subscription name is required")
	errNotInitialized       = errors.New("pubsub client not initialized")
)

// Client owns the Pub/Sub connection for the photo job subscription and topic.
type Client struct {
	client       *pubsub.Client
	subscription string
	topic        string
	outstanding  int
}

// NewClient connects to Pub/Sub and verifies the photo subscription exists.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	project := strings.TrimSpace(gcp.ProjectID)
	if project == "" {
		return nil, errProjectIDRequired
	}
	subscription := resourceName(project, kindSubscriptions, cfg.PhotoSubscription)
	if subscription == "" {
		return nil, errSubscriptionRequired
	}

	psClient, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	c := &Client{
		client:       psClient,
		subscription: subscription,
		topic:        resourceName(project, kindTopics, cfg.PhotoTopic),
		outstanding:  cfg.MaxOutstandingMessages,
	}
	if err := c.Ping(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}

	if logg != nil {
		ctx = logg.WithFields(ctx, map[string]any{
			"subscription": c.subscription,
			"topic":        c.topic,
		})
		logg.Info(ctx, "pubsub client initialized")
	}
	return c, nil
}

// PhotoSubscription returns the subscriber for photo processing jobs.
func (c *Client) PhotoSubscription() *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	sub := c.client.Subscriber(c.subscription)
	if c.outstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = c.outstanding
	}
	return sub
}

// PhotoPublisher returns the publisher for the photo processing topic, or nil
// when no topic is configured.
func (c *Client) PhotoPublisher() *pubsub.Publisher {
	if c == nil || c.client == nil || c.topic == "" {
		return nil
	}
	return c.client.Publisher(c.topic)
}

// Ping checks that the photo subscription is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.photoSubscription(ctx)
	return err
}

// RequireDeliveryCap fails unless the photo subscription counts delivery
// attempts far enough for the processor to reach its attempt cap. Pub/Sub
// only reports DeliveryAttempt when a dead letter policy is attached.
func (c *Client) RequireDeliveryCap(ctx context.Context, maxAttempts int) error {
	sub, err := c.photoSubscription(ctx)
	if err != nil {
		return err
	}
	return checkDeliveryCap(sub, maxAttempts)
}

func checkDeliveryCap(sub *pubsubpb.Subscription, maxAttempts int) error {
	limit := int(sub.GetDeadLetterPolicy().GetMaxDeliveryAttempts())
	if limit == 0 {
		return fmt.Errorf("subscription %q has no dead letter policy: delivery attempts are not counted and retries would never reach the cap of %d", sub.GetName(), maxAttempts)
	}
	if limit < maxAttempts {
		return fmt.Errorf("subscription %q dead-letters after %d deliveries, below the processing cap of %d", sub.GetName(), limit, maxAttempts)
	}
	return nil
}

func (c *Client) photoSubscription(ctx context.Context) (*pubsubpb.Subscription, error) {
	if c == nil || c.client == nil {
		return nil, errNotInitialized
	}
	sub, err := c.client.SubscriptionAdminClient.GetSubscription(
		ctx,
		&pubsubpb.GetSubscriptionRequest{Subscription: c.subscription},
	)
	switch {
	case err == nil:
		return sub, nil
	case status.Code(err) == codes.NotFound:
		return nil, fmt.Errorf("subscription %q does not exist", c.subscription)
	default:
		return nil, fmt.Errorf("checking subscription %q: %w", c.subscription, err)
	}
}

// Close releases the Pub/Sub client resources.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// resourceName expands a short id into projects/<project>/<kind>/<id>. Fully
// qualified names of the same kind pass through unchanged.
func resourceName(project, kind, name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/"+kind+"/") {
		return n
	}
	return fmt.Sprintf("projects/%s/%s/%s", project, kind, n)
}

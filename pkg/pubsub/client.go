// Package pubsub wraps the Pub/Sub v2 client with the usage topic and
// subscription this backend publishes to and consumes from.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/genstudio-backend/pkg/config"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

// Role selects which resources must exist before the client is handed out.
type Role int

const (
	// RolePublisher needs the usage topic.
	RolePublisher Role = iota
	// RoleConsumer needs the usage subscription.
	RoleConsumer
)

const (
	topics        = "topics"
	subscriptions = "subscriptions"
)

var errProjectIDRequired = errors.New("gcp project id is required")

type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
	role      Role
	lookup    lookupFunc
}

// lookupFunc fetches one resource by full name. NotFound must surface as a
// gRPC NotFound status.
type lookupFunc func(ctx context.Context, collection, fullName string) error

// NewClient dials Pub/Sub and fails fast when the resource role needs is
// missing.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, role Role, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(gcp.ProjectID) == "" {
		return nil, errProjectIDRequired
	}
	ps, err := pubsub.NewClient(ctx, gcp.ProjectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	c := &Client{client: ps, projectID: gcp.ProjectID, cfg: cfg, role: role}
	c.lookup = c.adminLookup
	if err := c.Ping(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	logg.Info(logg.WithField(ctx, "role", role.String()), "pubsub.ready")
	return c, nil
}

func (r Role) String() string {
	if r == RoleConsumer {
		return "consumer"
	}
	return "publisher"
}

// Ping checks that the resource the client's role depends on still exists.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.lookup == nil {
		return errors.New("pubsub client not initialized")
	}
	collection, name, err := required(c.role, c.cfg)
	if err != nil {
		return err
	}
	return verify(ctx, c.lookup, collection, c.resourceName(name, collection))
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	}
	return nil
}

// required names the resource a role depends on.
func required(role Role, cfg config.PubSubConfig) (collection, name string, err error) {
	switch role {
	case RolePublisher:
		collection, name = topics, strings.TrimSpace(cfg.UsageTopic)
	case RoleConsumer:
		collection, name = subscriptions, strings.TrimSpace(cfg.UsageSubscription)
	default:
		return "", "", fmt.Errorf("unknown pubsub role %d", role)
	}
	if name == "" {
		return "", "", fmt.Errorf("pubsub usage %s name is required", strings.TrimSuffix(collection, "s"))
	}
	return collection, name, nil
}

func verify(ctx context.Context, lookup lookupFunc, collection, fullName string) error {
	err := lookup(ctx, collection, fullName)
	switch {
	case err == nil:
		return nil
	case status.Code(err) == codes.NotFound:
		return fmt.Errorf("pubsub %s does not exist", fullName)
	default:
		return fmt.Errorf("check pubsub %s: %w", fullName, err)
	}
}

func (c *Client) adminLookup(ctx context.Context, collection, fullName string) error {
	if collection == topics {
		_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: fullName})
		return err
	}
	_, err := c.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: fullName})
	return err
}

// UsageSubscription is the subscriber feeding the analytics worker.
func (c *Client) UsageSubscription() *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Subscriber(c.resourceName(c.cfg.UsageSubscription, subscriptions))
}

// Publisher returns a handle for a topic id or full resource name.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	fullName := c.resourceName(name, topics)
	if fullName == "" {
		return nil
	}
	return c.client.Publisher(fullName)
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// resourceName expands an id to projects/{p}/{collection}/{id}. Full names
// pass through.
func (c *Client) resourceName(name, collection string) string {
	n := strings.TrimSpace(name)
	if c == nil || n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/"+collection+"/") {
		return n
	}
	return fmt.Sprintf("projects/%s/%s/%s", c.projectID, collection, n)
}

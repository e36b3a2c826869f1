// Package messagebroker wraps a pub/sub transport with topic-scoped publishing,
// correlation id propagation and event-type routed subscriptions with explicit
// acknowledge/reject semantics.
package messagebroker

import (
	"context"
	"errors"
	"fmt"

	"github.com/alphadose/haxmap"
	"github.com/illmade-knight/go-messagebroker/pkg/config"
	"github.com/rs/zerolog"
)

// Prefix namespaces every topic and subscription this package manages.
const Prefix = "broker_"

// PrefixedName returns the transport name for a logical topic or subscription name.
func PrefixedName(name string) string {
	return Prefix + name
}

// Broker owns one Topic and one Subscription wrapper per logical name.
type Broker struct {
	cfg           *config.BrokerConfig
	transport     Transport
	logger        zerolog.Logger
	topics        *haxmap.Map[string, *Topic]
	subscriptions *haxmap.Map[string, *Subscription]
}

// NewBroker creates a Broker over transport using cfg.
func NewBroker(cfg *config.BrokerConfig, transport Transport, logger zerolog.Logger) (*Broker, error) {
	if cfg == nil {
		return nil, errors.New("broker config cannot be nil")
	}
	if transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	return &Broker{
		cfg:           cfg,
		transport:     transport,
		logger:        logger.With().Str("component", "Broker").Str("project_id", cfg.ProjectID).Logger(),
		topics:        haxmap.New[string, *Topic](),
		subscriptions: haxmap.New[string, *Subscription](),
	}, nil
}

// ProjectID is the configured transport project.
func (b *Broker) ProjectID() string { return b.cfg.ProjectID }

// Enabled reports whether message brokering is switched on in the configuration.
func (b *Broker) Enabled() bool { return b.cfg.Enabled }

// GetTopic returns the Topic for a logical name, creating the wrapper on first use.
// The topic itself is not created on the transport.
func (b *Broker) GetTopic(name string) *Topic {
	topicName := PrefixedName(name)
	topic, _ := b.topics.GetOrCompute(topicName, func() *Topic {
		return newTopic(topicName, b.transport, b.cfg.PublisherValidationToken, b.cfg.Environment, b.logger)
	})
	return topic
}

// CreateTopic creates the topic on the transport, treating an existing topic as
// success, and returns its wrapper.
func (b *Broker) CreateTopic(ctx context.Context, name string) (*Topic, error) {
	topicName := PrefixedName(name)
	_, err := b.transport.CreateTopic(ctx, topicName)
	switch {
	case err == nil:
		b.logger.Info().Str("topic_name", topicName).Msg("Topic created")
	case errors.Is(err, ErrAlreadyExists):
		b.logger.Debug().Str("topic_name", topicName).Msg("Topic already exists")
	default:
		return nil, fmt.Errorf("failed to create topic %s: %w", topicName, err)
	}
	return b.GetTopic(name), nil
}

// GetSubscription returns the Subscription for a logical name, creating the
// wrapper on first use. Callbacks registered on it persist for the Broker's lifetime.
func (b *Broker) GetSubscription(name string) *Subscription {
	subscriptionName := PrefixedName(name)
	sub, _ := b.subscriptions.GetOrCompute(subscriptionName, func() *Subscription {
		return newSubscription(subscriptionName, b.transport.Subscription(subscriptionName), b.logger)
	})
	return sub
}

// SubscriptionHandle exposes the raw transport handle for consumers that do
// their own routing, such as archivers.
func (b *Broker) SubscriptionHandle(name string) SubscriptionHandle {
	return b.transport.Subscription(PrefixedName(name))
}

// Close stops every listening subscription and flushes every topic.
func (b *Broker) Close(ctx context.Context) error {
	var errs []error
	b.subscriptions.ForEach(func(name string, sub *Subscription) bool {
		if !sub.Listening() {
			return true
		}
		if err := sub.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", name, err))
		}
		return true
	})
	b.topics.ForEach(func(_ string, topic *Topic) bool {
		topic.stop()
		return true
	})
	b.logger.Info().Msg("Broker closed")
	return errors.Join(errs...)
}

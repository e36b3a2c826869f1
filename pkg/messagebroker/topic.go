package messagebroker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-messagebroker/pkg/config"
	"github.com/illmade-knight/go-messagebroker/pkg/requestctx"
	"github.com/rs/zerolog"
)

// Subscription defaults applied by DefaultSubscriptionConfig and CreateSubscription.
const (
	DefaultAckDeadline                   = 300 * time.Second
	DefaultMinimumBackoff                = 10 * time.Second
	DefaultMaximumBackoff                = 600 * time.Second
	DefaultDeadLetterTopic               = "dead_letter_queue"
	DefaultDeadLetterMaxDeliveryAttempts = 5
)

// DefaultSubscriptionConfig returns a 5 minute ack deadline and a 10s..600s
// retry policy, without dead-lettering.
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		AckDeadline: DefaultAckDeadline,
		RetryPolicy: &RetryPolicy{
			MinimumBackoff: DefaultMinimumBackoff,
			MaximumBackoff: DefaultMaximumBackoff,
		},
	}
}

// Topic publishes events to one named channel.
type Topic struct {
	name            string
	handle          TopicHandle
	transport       Transport
	validationToken string
	environment     config.Environment
	logger          zerolog.Logger
}

func newTopic(name string, transport Transport, validationToken string, env config.Environment, logger zerolog.Logger) *Topic {
	return &Topic{
		name:            name,
		handle:          transport.Topic(name),
		transport:       transport,
		validationToken: validationToken,
		environment:     env,
		logger:          logger.With().Str("component", "Topic").Str("topic_name", name).Logger(),
	}
}

// Name is the prefixed topic name used on the transport.
func (t *Topic) Name() string { return t.name }

// Publish serialises payload as JSON and publishes it with eventType as the
// event attribute. When payload encodes to a JSON object without a request_id
// and ctx carries one, it is added to the body; an explicit value is never
// overwritten. Transport failures are reported by the returned result.
func (t *Topic) Publish(ctx context.Context, eventType string, payload any) (PublishResult, error) {
	if eventType == "" {
		return nil, ErrEmptyEventType
	}

	requestID, _ := requestctx.RequestID(ctx)
	body, err := encodePayload(payload, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload for event %s: %w", eventType, err)
	}

	attributes := map[string]string{EventAttribute: eventType}
	if t.validationToken != "" {
		attributes[ValidationTokenAttribute] = t.validationToken
	}

	result := t.handle.Publish(ctx, body, attributes)
	t.logPublishedEvent(eventType, requestID, body)
	return result, nil
}

func (t *Topic) logPublishedEvent(eventType, requestID string, body []byte) {
	event := t.logger.Info().Str("event", eventType).Str("request_id", requestID)
	if t.environment.LogsPayloads() {
		event = event.RawJSON("payload", body)
	}
	event.Msg("Publishing event")
}

// encodePayload marshals payload, injecting requestID into JSON objects whose
// request_id is missing, null or empty.
func encodePayload(payload any, requestID string) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if requestID == "" || !bytes.HasPrefix(body, []byte("{")) {
		return body, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if existing, ok := fields[RequestIDField]; ok {
		var s string
		if json.Unmarshal(existing, &s) != nil || s != "" {
			return body, nil
		}
	}
	encodedID, err := json.Marshal(requestID)
	if err != nil {
		return nil, err
	}
	fields[RequestIDField] = encodedID
	return json.Marshal(fields)
}

// CreateSubscription creates a subscription to this topic, or wraps the existing
// one when the name is already taken. Zero fields of cfg take the defaults; a
// dead-letter topic is given by its logical name.
func (t *Topic) CreateSubscription(ctx context.Context, name string, cfg SubscriptionConfig) (*Subscription, error) {
	subscriptionName := PrefixedName(name)
	settings := withSubscriptionDefaults(cfg)

	_, err := t.handle.CreateSubscription(ctx, subscriptionName, settings)
	switch {
	case err == nil:
		t.logger.Info().Str("subscription_name", subscriptionName).Msg("Subscription created")
	case errors.Is(err, ErrAlreadyExists):
		t.logger.Debug().Str("subscription_name", subscriptionName).Msg("Subscription already exists")
	default:
		return nil, fmt.Errorf("failed to create subscription %s: %w", subscriptionName, err)
	}

	return newSubscription(subscriptionName, t.transport.Subscription(subscriptionName), t.logger), nil
}

func withSubscriptionDefaults(cfg SubscriptionConfig) SubscriptionConfig {
	defaults := DefaultSubscriptionConfig()
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = defaults.AckDeadline
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = defaults.RetryPolicy
	}
	if cfg.DeadLetterTopic != "" {
		cfg.DeadLetterTopic = PrefixedName(cfg.DeadLetterTopic)
		if cfg.MaxDeliveryAttempts <= 0 {
			cfg.MaxDeliveryAttempts = DefaultDeadLetterMaxDeliveryAttempts
		}
	}
	return cfg
}

// Exists reports whether the topic exists on the transport.
func (t *Topic) Exists(ctx context.Context) (bool, error) {
	return t.handle.Exists(ctx)
}

// Delete removes the topic from the transport.
func (t *Topic) Delete(ctx context.Context) error {
	if err := t.handle.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete topic %s: %w", t.name, err)
	}
	t.logger.Info().Msg("Topic deleted")
	return nil
}

// stop flushes outstanding publishes.
func (t *Topic) stop() {
	t.handle.Stop()
}

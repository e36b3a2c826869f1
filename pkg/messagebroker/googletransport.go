package messagebroker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-messagebroker/pkg/config"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// --- Google Cloud Pub/Sub Transport Implementation ---

// NewGoogleClient creates a Pub/Sub client for the configured project. When no
// credentials file is configured, Application Default Credentials are used.
func NewGoogleClient(ctx context.Context, cfg *config.BrokerConfig, logger zerolog.Logger, opts ...option.ClientOption) (*pubsub.Client, error) {
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for Pub/Sub client.")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	logger.Info().Str("project_id", cfg.ProjectID).Msg("Pub/Sub client created successfully.")
	return client, nil
}

// GoogleTransport implements Transport on top of Google Cloud Pub/Sub.
type GoogleTransport struct {
	client *pubsub.Client
	logger zerolog.Logger
}

// NewGoogleTransport wraps an existing client. The client's lifecycle stays with the caller.
func NewGoogleTransport(client *pubsub.Client, logger zerolog.Logger) (*GoogleTransport, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	return &GoogleTransport{
		client: client,
		logger: logger.With().Str("component", "GoogleTransport").Logger(),
	}, nil
}

// Topic implements Transport.
func (g *GoogleTransport) Topic(name string) TopicHandle {
	return &googleTopic{client: g.client, topic: g.client.Topic(name), logger: g.logger}
}

// CreateTopic implements Transport.
func (g *GoogleTransport) CreateTopic(ctx context.Context, name string) (TopicHandle, error) {
	_, err := g.client.CreateTopic(ctx, name)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return g.Topic(name), fmt.Errorf("topic %s: %w", name, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("failed to create topic %s: %w", name, err)
	}
	return g.Topic(name), nil
}

// Subscription implements Transport.
func (g *GoogleTransport) Subscription(name string) SubscriptionHandle {
	return &googleSubscription{client: g.client, id: name, logger: g.logger}
}

// mapNotFound converts a gRPC NotFound status into the given sentinel.
func mapNotFound(err error, sentinel error) error {
	if err == nil {
		return nil
	}
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %v", sentinel, err)
	}
	return err
}

type googleTopic struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger zerolog.Logger
}

func (t *googleTopic) ID() string { return t.topic.ID() }

func (t *googleTopic) Exists(ctx context.Context) (bool, error) {
	return t.topic.Exists(ctx)
}

func (t *googleTopic) Publish(ctx context.Context, data []byte, attributes map[string]string) PublishResult {
	return &googlePublishResult{result: t.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attributes,
	})}
}

func (t *googleTopic) CreateSubscription(ctx context.Context, name string, cfg SubscriptionConfig) (SubscriptionHandle, error) {
	subCfg := pubsub.SubscriptionConfig{
		Topic:       t.topic,
		AckDeadline: cfg.AckDeadline,
	}
	if cfg.RetryPolicy != nil {
		subCfg.RetryPolicy = &pubsub.RetryPolicy{
			MinimumBackoff: cfg.RetryPolicy.MinimumBackoff,
			MaximumBackoff: cfg.RetryPolicy.MaximumBackoff,
		}
	}
	if cfg.DeadLetterTopic != "" {
		subCfg.DeadLetterPolicy = &pubsub.DeadLetterPolicy{
			DeadLetterTopic:     t.client.Topic(cfg.DeadLetterTopic).String(),
			MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		}
	}

	handle := &googleSubscription{client: t.client, id: name, logger: t.logger}
	if _, err := t.client.CreateSubscription(ctx, name, subCfg); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return handle, fmt.Errorf("subscription %s: %w", name, ErrAlreadyExists)
		}
		return nil, mapNotFound(err, ErrTopicNotFound)
	}
	return handle, nil
}

func (t *googleTopic) Delete(ctx context.Context) error {
	return mapNotFound(t.topic.Delete(ctx), ErrTopicNotFound)
}

func (t *googleTopic) Stop() { t.topic.Stop() }

type googlePublishResult struct {
	result *pubsub.PublishResult
}

func (r *googlePublishResult) Get(ctx context.Context) (string, error) {
	id, err := r.result.Get(ctx)
	return id, mapNotFound(err, ErrTopicNotFound)
}

type googleSubscription struct {
	client *pubsub.Client
	id     string
	logger zerolog.Logger
}

func (s *googleSubscription) ID() string { return s.id }

func (s *googleSubscription) Exists(ctx context.Context) (bool, error) {
	return s.client.Subscription(s.id).Exists(ctx)
}

func (s *googleSubscription) Delete(ctx context.Context) error {
	return mapNotFound(s.client.Subscription(s.id).Delete(ctx), ErrSubscriptionNotFound)
}

func (s *googleSubscription) Listen(opts ListenOptions, onMessage func(ctx context.Context, msg RawMessage)) Listener {
	sub := s.client.Subscription(s.id)
	if opts.MaxOutstandingMessages > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = opts.MaxOutstandingMessages
	}
	if opts.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = opts.NumGoroutines
	}
	return &googleListener{
		subscription: sub,
		onMessage:    onMessage,
		onError:      opts.OnError,
		logger:       s.logger.With().Str("subscription_id", s.id).Logger(),
		doneChan:     make(chan struct{}),
	}
}

// googleListener runs subscription.Receive in a goroutine until stopped.
type googleListener struct {
	subscription *pubsub.Subscription
	onMessage    func(ctx context.Context, msg RawMessage)
	onError      func(error)
	logger       zerolog.Logger

	mu                 sync.Mutex
	cancelSubscription context.CancelFunc
	doneChan           chan struct{}
	stopOnce           sync.Once
}

func (l *googleListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelSubscription != nil {
		return errors.New("listener already started")
	}

	receiveCtx, cancel := context.WithCancel(ctx)
	l.cancelSubscription = cancel

	go func() {
		defer close(l.doneChan)
		l.logger.Info().Msg("Pub/Sub Receive goroutine started.")
		err := l.subscription.Receive(receiveCtx, func(ctx context.Context, msg *pubsub.Message) {
			l.onMessage(ctx, &googleMessage{msg: msg})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			err = mapNotFound(err, ErrSubscriptionNotFound)
			if l.onError != nil {
				l.onError(err)
			} else {
				l.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
			}
		}
		l.logger.Info().Msg("Pub/Sub Receive goroutine stopped.")
	}()
	return nil
}

func (l *googleListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel := l.cancelSubscription
	l.mu.Unlock()
	if cancel == nil {
		return errors.New("listener was not started")
	}

	l.stopOnce.Do(cancel)
	select {
	case <-l.doneChan:
		return nil
	case <-ctx.Done():
		l.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub Receive goroutine to stop.")
		return ctx.Err()
	}
}

func (l *googleListener) Done() <-chan struct{} { return l.doneChan }

// googleMessage adapts *pubsub.Message to RawMessage.
type googleMessage struct {
	msg *pubsub.Message
}

func (m *googleMessage) ID() string                    { return m.msg.ID }
func (m *googleMessage) Data() []byte                  { return m.msg.Data }
func (m *googleMessage) Attributes() map[string]string { return m.msg.Attributes }
func (m *googleMessage) Ack()                          { m.msg.Ack() }
func (m *googleMessage) Reject()                       { m.msg.Nack() }

func (m *googleMessage) DeliveryAttempt() int {
	if m.msg.DeliveryAttempt == nil {
		return 0
	}
	return *m.msg.DeliveryAttempt
}

package messagebroker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/illmade-knight/go-messagebroker/pkg/requestctx"
	"github.com/rs/zerolog"
)

// HandlerFunc processes one message of a registered event type. A returned
// error (or a panic) makes the message available for redelivery.
type HandlerFunc func(ctx context.Context, msg *Message) (any, error)

// Middleware wraps a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Subscription routes deliveries from one transport subscription to handlers
// keyed by event type, and turns handler outcomes into ack or reject.
//
// Handlers and middleware are expected to be registered before Start. Dispatch
// is safe for concurrent use.
type Subscription struct {
	name   string
	handle SubscriptionHandle
	logger zerolog.Logger

	mu         sync.RWMutex
	callbacks  map[string]HandlerFunc
	middleware []Middleware

	lifecycleMu sync.Mutex
	listener    Listener
}

func newSubscription(name string, handle SubscriptionHandle, logger zerolog.Logger) *Subscription {
	return &Subscription{
		name:      name,
		handle:    handle,
		logger:    logger.With().Str("component", "Subscription").Str("subscription_name", name).Logger(),
		callbacks: make(map[string]HandlerFunc),
	}
}

// Name is the prefixed subscription name used on the transport.
func (s *Subscription) Name() string { return s.name }

// RegisterCallback binds handler to eventType. Registering the same event type
// again replaces the previous handler.
func (s *Subscription) RegisterCallback(eventType string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[eventType] = handler
}

// Use appends middleware applied to every handler, outermost first.
func (s *Subscription) Use(middleware ...Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, middleware...)
}

func (s *Subscription) lookup(eventType string) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handler, ok := s.callbacks[eventType]
	if !ok || handler == nil {
		return nil, false
	}
	for i := len(s.middleware) - 1; i >= 0; i-- {
		handler = s.middleware[i](handler)
	}
	return handler, true
}

// Dispatch processes one delivered message and reports the handler's result.
//
//   - no event attribute, or no handler for the event type: the message is
//     logged and acknowledged, since no redelivery can ever route it;
//   - the body is not a JSON object, or the handler fails or panics: the
//     failure is logged and the message is rejected for redelivery;
//   - otherwise the message is acknowledged and the handler's result returned.
//
// Failures never escape Dispatch.
func (s *Subscription) Dispatch(ctx context.Context, raw RawMessage) (any, bool) {
	eventType, ok := raw.Attributes()[EventAttribute]
	var handler HandlerFunc
	if ok && eventType != "" {
		handler, ok = s.lookup(eventType)
	}
	if !ok || eventType == "" {
		s.logger.Error().
			Err(ErrNoHandler).
			Str("event", eventType).
			Str("msg_id", raw.ID()).
			Str("request_id", peekRequestID(raw.Data())).
			Msg("No callback registered for message")
		raw.Ack()
		return nil, false
	}

	msg, err := decodeMessage(raw, s.name)
	if err != nil {
		s.logFailure(&HandlerError{Subscription: s.name, EventType: eventType, Err: err}, raw.ID(), "")
		raw.Reject()
		return nil, false
	}

	handlerCtx := requestctx.WithRequestID(ctx, msg.CorrelationID())
	result, err := s.invoke(handlerCtx, handler, msg)
	if err != nil {
		s.logFailure(err, msg.ID(), msg.CorrelationID())
		raw.Reject()
		return nil, false
	}

	raw.Ack()
	s.logger.Info().Str("event", eventType).Str("msg_id", msg.ID()).Str("request_id", msg.CorrelationID()).Msg("Message processed")
	return result, true
}

// invoke runs handler, converting returned errors and panics into *HandlerError.
func (s *Subscription) invoke(ctx context.Context, handler HandlerFunc, msg *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &HandlerError{
				Subscription: s.name,
				EventType:    msg.EventType(),
				Err:          fmt.Errorf("panic: %v", r),
				Backtrace:    truncate(string(debug.Stack()), maxBacktraceBytes),
			}
		}
	}()

	result, err = handler(ctx, msg)
	if err != nil {
		return nil, &HandlerError{Subscription: s.name, EventType: msg.EventType(), Err: err}
	}
	return result, nil
}

func (s *Subscription) logFailure(err error, msgID, requestID string) {
	event := s.logger.Error().Err(err).Str("msg_id", msgID).Str("request_id", requestID)

	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		event = event.Str("event", handlerErr.EventType).Str("error_type", errorType(handlerErr.Err))
		if handlerErr.Backtrace != "" {
			event = event.Str("backtrace", handlerErr.Backtrace)
		}
	}
	event.Msg("Error in message processing callback")
}

// Start begins delivering messages to Dispatch. It fails with
// ErrSubscriptionNotFound when the subscription does not exist.
// Callers must not start a subscription that is already listening.
func (s *Subscription) Start(ctx context.Context, opts ListenOptions) error {
	s.logger.Info().Msg("Starting message processing in subscriber")

	exists, err := s.handle.Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check subscription %s: %w", s.name, err)
	}
	if !exists {
		return fmt.Errorf("subscription %s does not exist: %w", s.name, ErrSubscriptionNotFound)
	}

	if opts.OnError == nil {
		opts.OnError = func(err error) {
			s.logger.Error().Err(err).Msg("Subscriber receive loop failed")
		}
	}

	listener := s.handle.Listen(opts, func(ctx context.Context, raw RawMessage) {
		s.Dispatch(ctx, raw)
	})
	if err := listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start listener for %s: %w", s.name, err)
	}

	s.lifecycleMu.Lock()
	s.listener = listener
	s.lifecycleMu.Unlock()
	return nil
}

// Stop halts delivery. In-flight handlers run to completion; Stop waits for the
// receive loop to exit or for ctx to expire.
func (s *Subscription) Stop(ctx context.Context) error {
	s.lifecycleMu.Lock()
	listener := s.listener
	s.listener = nil
	s.lifecycleMu.Unlock()

	if listener == nil {
		return ErrNotListening
	}
	s.logger.Info().Msg("Stopping message processing in subscriber")
	return listener.Stop(ctx)
}

// Listening reports whether Start has been called without a matching Stop.
func (s *Subscription) Listening() bool {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.listener != nil
}

// Ready reports nil while the subscription is receiving. It returns
// ErrNotListening before Start or after Stop, and ErrListenerExited when the
// receive loop ended on its own.
func (s *Subscription) Ready(context.Context) error {
	s.lifecycleMu.Lock()
	listener := s.listener
	s.lifecycleMu.Unlock()
	return ListenerReady(listener)
}

// Exists reports whether the subscription exists on the transport.
func (s *Subscription) Exists(ctx context.Context) (bool, error) {
	return s.handle.Exists(ctx)
}

// Delete removes the subscription from the transport.
func (s *Subscription) Delete(ctx context.Context) error {
	if err := s.handle.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", s.name, err)
	}
	s.logger.Info().Msg("Subscription deleted")
	return nil
}

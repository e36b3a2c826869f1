package messagebroker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/illmade-knight/go-messagebroker/pkg/messagebroker"
	"github.com/illmade-knight/go-messagebroker/pkg/requestctx"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSubscription(t *testing.T, logger zerolog.Logger) (*messagebroker.Subscription, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	broker := newTestBroker(t, transport, logger)
	return broker.GetSubscription("central"), transport
}

func TestSubscription_Dispatch_Routing(t *testing.T) {
	ctx := context.Background()
	sub, _ := newTestSubscription(t, zerolog.Nop())

	var userCalls, orderCalls atomic.Int32
	sub.RegisterCallback("user_created", func(_ context.Context, msg *messagebroker.Message) (any, error) {
		userCalls.Add(1)
		username, _ := msg.Get("username")
		return username, nil
	})
	sub.RegisterCallback("order_placed", func(context.Context, *messagebroker.Message) (any, error) {
		orderCalls.Add(1)
		return nil, nil
	})

	raw := newRawMessage("m1", "user_created", `{"username":"coyote"}`)
	result, ok := sub.Dispatch(ctx, raw)

	require.True(t, ok)
	assert.Equal(t, "coyote", result)
	assert.Equal(t, int32(1), userCalls.Load(), "the matching handler runs exactly once")
	assert.Equal(t, int32(0), orderCalls.Load(), "other handlers are not invoked")
	assert.Equal(t, int32(1), raw.acks.Load())
	assert.Equal(t, int32(0), raw.rejects.Load())
}

func TestSubscription_Dispatch_Message(t *testing.T) {
	ctx := context.Background()
	sub, _ := newTestSubscription(t, zerolog.Nop())

	var received *messagebroker.Message
	var ctxRequestID string
	sub.RegisterCallback("user_created", func(ctx context.Context, msg *messagebroker.Message) (any, error) {
		received = msg
		ctxRequestID, _ = requestctx.RequestID(ctx)
		return nil, nil
	})

	raw := newRawMessage("m1", "user_created", `{"request_id":"abc","x":1}`)
	raw.attrs[messagebroker.ValidationTokenAttribute] = "token"
	raw.attempt = 3
	_, ok := sub.Dispatch(ctx, raw)
	require.True(t, ok)
	require.NotNil(t, received)

	assert.Equal(t, map[string]any{"x": json.Number("1")}, received.Payload(), "request_id is stripped from the payload")
	assert.Equal(t, "abc", received.CorrelationID())
	assert.Equal(t, "abc", ctxRequestID, "handler context carries the correlation id")
	assert.Equal(t, "m1", received.ID())
	assert.Equal(t, "user_created", received.EventType())
	assert.Equal(t, "broker_central", received.Subscription())
	assert.Equal(t, 3, received.DeliveryAttempt())
	assert.Equal(t, "token", received.ValidationToken())

	var decoded struct {
		X int `json:"x"`
	}
	require.NoError(t, received.Decode(&decoded))
	assert.Equal(t, 1, decoded.X)
}

func TestSubscription_Dispatch_NonStringRequestID(t *testing.T) {
	sub, _ := newTestSubscription(t, zerolog.Nop())

	var received *messagebroker.Message
	sub.RegisterCallback("e", func(_ context.Context, msg *messagebroker.Message) (any, error) {
		received = msg
		return nil, nil
	})

	_, ok := sub.Dispatch(context.Background(), newRawMessage("m1", "e", `{"request_id":42,"y":"z"}`))
	require.True(t, ok)
	assert.Equal(t, map[string]any{"y": "z"}, received.Payload())
	assert.Empty(t, received.CorrelationID())
}

func TestSubscription_Dispatch_HandlerError(t *testing.T) {
	logger, logs := newTestLogger()
	sub, _ := newTestSubscription(t, logger)

	sub.RegisterCallback("e", func(context.Context, *messagebroker.Message) (any, error) {
		return "ignored", errors.New("downstream unavailable")
	})

	raw := newRawMessage("m1", "e", `{"request_id":"req-7"}`)
	result, ok := sub.Dispatch(context.Background(), raw)

	assert.False(t, ok)
	assert.Nil(t, result)
	assert.Equal(t, int32(0), raw.acks.Load())
	assert.Equal(t, int32(1), raw.rejects.Load(), "a failed handler must reject for redelivery")

	entries := logs.WithMessage("Error in message processing callback")
	require.Len(t, entries, 1)
	assert.Equal(t, "req-7", entries[0]["request_id"])
	assert.Equal(t, "e", entries[0]["event"])
	assert.Equal(t, "m1", entries[0]["msg_id"])
	assert.Equal(t, "*errors.errorString", entries[0]["error_type"])
	assert.Contains(t, entries[0]["error"], "downstream unavailable")
}

func TestSubscription_Dispatch_HandlerPanic(t *testing.T) {
	logger, logs := newTestLogger()
	sub, _ := newTestSubscription(t, logger)

	sub.RegisterCallback("e", func(context.Context, *messagebroker.Message) (any, error) {
		panic("boom")
	})

	raw := newRawMessage("m1", "e", `{}`)
	require.NotPanics(t, func() {
		_, ok := sub.Dispatch(context.Background(), raw)
		assert.False(t, ok)
	})
	assert.Equal(t, int32(1), raw.rejects.Load())
	assert.Equal(t, int32(0), raw.acks.Load())

	entries := logs.WithMessage("Error in message processing callback")
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0]["error"], "boom")
	assert.NotEmpty(t, entries[0]["backtrace"])
}

func TestSubscription_Dispatch_DecodeFailure(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{name: "not json", body: `not-json`},
		{name: "empty body", body: ``},
		{name: "array", body: `[1,2]`},
		{name: "null", body: `null`},
		{name: "string", body: `"hello"`},
		{name: "trailing data", body: `{"a":1} {"b":2}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			logger, logs := newTestLogger()
			sub, _ := newTestSubscription(t, logger)

			var called bool
			sub.RegisterCallback("e", func(context.Context, *messagebroker.Message) (any, error) {
				called = true
				return nil, nil
			})

			raw := newRawMessage("m1", "e", tc.body)
			_, ok := sub.Dispatch(context.Background(), raw)

			assert.False(t, ok)
			assert.False(t, called, "handler must not run for an undecodable body")
			assert.Equal(t, int32(1), raw.rejects.Load())
			assert.Equal(t, int32(0), raw.acks.Load())
			assert.Len(t, logs.WithMessage("Error in message processing callback"), 1)
		})
	}
}

func TestSubscription_Dispatch_Unroutable(t *testing.T) {
	logger, logs := newTestLogger()
	sub, _ := newTestSubscription(t, logger)
	sub.RegisterCallback("something_else", func(context.Context, *messagebroker.Message) (any, error) {
		return nil, nil
	})

	raw := newRawMessage("m1", "dummy_command", `{}`)
	result, ok := sub.Dispatch(context.Background(), raw)

	assert.False(t, ok)
	assert.Nil(t, result)
	assert.Equal(t, int32(1), raw.acks.Load(), "unroutable messages are acknowledged")
	assert.Equal(t, int32(0), raw.rejects.Load())
	assert.Equal(t, 1, logs.ErrorCount(), "exactly one error is logged")

	entries := logs.WithMessage("No callback registered for message")
	require.Len(t, entries, 1)
	assert.Equal(t, "dummy_command", entries[0]["event"])
}

func TestSubscription_Dispatch_MissingEventAttribute(t *testing.T) {
	sub, _ := newTestSubscription(t, zerolog.Nop())
	sub.RegisterCallback("e", func(context.Context, *messagebroker.Message) (any, error) {
		return nil, nil
	})

	raw := newRawMessage("m1", "", `{}`)
	_, ok := sub.Dispatch(context.Background(), raw)
	assert.False(t, ok)
	assert.Equal(t, int32(1), raw.acks.Load())
}

func TestSubscription_Dispatch_EmptyEventNeverRouted(t *testing.T) {
	logger, logs := newTestLogger()
	sub, _ := newTestSubscription(t, logger)
	var called atomic.Bool
	sub.RegisterCallback("", func(context.Context, *messagebroker.Message) (any, error) {
		called.Store(true)
		return nil, nil
	})

	missing := newRawMessage("m1", "", `{}`)
	_, ok := sub.Dispatch(context.Background(), missing)
	assert.False(t, ok)
	assert.Equal(t, int32(1), missing.acks.Load())
	assert.Equal(t, int32(0), missing.rejects.Load())

	blank := newRawMessage("m2", "", `{}`)
	blank.attrs[messagebroker.EventAttribute] = ""
	_, ok = sub.Dispatch(context.Background(), blank)
	assert.False(t, ok)
	assert.Equal(t, int32(1), blank.acks.Load())

	assert.False(t, called.Load(), "a handler registered for the empty event type is never invoked")
	assert.Len(t, logs.WithMessage("No callback registered for message"), 2)
}

func TestSubscription_RegisterCallback_LastWriteWins(t *testing.T) {
	sub, _ := newTestSubscription(t, zerolog.Nop())

	sub.RegisterCallback("e", func(context.Context, *messagebroker.Message) (any, error) {
		return "first", nil
	})
	sub.RegisterCallback("e", func(context.Context, *messagebroker.Message) (any, error) {
		return "second", nil
	})

	result, ok := sub.Dispatch(context.Background(), newRawMessage("m1", "e", `{}`))
	require.True(t, ok)
	assert.Equal(t, "second", result)
}

func TestSubscription_Use(t *testing.T) {
	sub, _ := newTestSubscription(t, zerolog.Nop())

	var order []string
	trace := func(name string) messagebroker.Middleware {
		return func(next messagebroker.HandlerFunc) messagebroker.HandlerFunc {
			return func(ctx context.Context, msg *messagebroker.Message) (any, error) {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}
	sub.Use(trace("outer"), trace("inner"))
	sub.RegisterCallback("e", func(context.Context, *messagebroker.Message) (any, error) {
		order = append(order, "handler")
		return nil, nil
	})

	_, ok := sub.Dispatch(context.Background(), newRawMessage("m1", "e", `{}`))
	require.True(t, ok)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestSubscription_Dispatch_Concurrent(t *testing.T) {
	sub, _ := newTestSubscription(t, zerolog.Nop())

	var mu sync.Mutex
	seen := make(map[string]string)
	sub.RegisterCallback("e", func(ctx context.Context, msg *messagebroker.Message) (any, error) {
		id, _ := requestctx.RequestID(ctx)
		mu.Lock()
		seen[msg.ID()] = id
		mu.Unlock()
		return nil, nil
	})

	const messages = 64
	raws := make([]*fakeRawMessage, messages)
	var wg sync.WaitGroup
	for i := 0; i < messages; i++ {
		raws[i] = newRawMessage(fmt.Sprintf("m%d", i), "e", jsonBody(t, map[string]string{"request_id": fmt.Sprintf("req-%d", i)}))
		wg.Add(1)
		go func(raw *fakeRawMessage) {
			defer wg.Done()
			sub.Dispatch(context.Background(), raw)
		}(raws[i])
	}
	wg.Wait()

	require.Len(t, seen, messages)
	for i, raw := range raws {
		assert.Equal(t, int32(1), raw.acks.Load())
		assert.Equal(t, fmt.Sprintf("req-%d", i), seen[raw.ID()], "correlation ids must not leak between concurrent messages")
	}
}

func TestSubscription_StartStop(t *testing.T) {
	ctx := context.Background()
	logger, logs := newTestLogger()
	transport := newFakeTransport()
	broker := newTestBroker(t, transport, logger)
	topic, err := broker.CreateTopic(ctx, "orders")
	require.NoError(t, err)
	_, err = topic.CreateSubscription(ctx, "central", messagebroker.SubscriptionConfig{})
	require.NoError(t, err)

	sub := broker.GetSubscription("central")
	var handled atomic.Int32
	sub.RegisterCallback("order_placed", func(context.Context, *messagebroker.Message) (any, error) {
		handled.Add(1)
		return nil, nil
	})

	require.NoError(t, sub.Start(ctx, messagebroker.ListenOptions{MaxOutstandingMessages: 4}))
	assert.True(t, sub.Listening())
	assert.Len(t, logs.WithMessage("Starting message processing in subscriber"), 1)

	fakeSub := transport.subscription("broker_central")
	listener := fakeSub.Listener()
	require.NotNil(t, listener)
	assert.Equal(t, 4, listener.opts.MaxOutstandingMessages)
	assert.NotNil(t, listener.opts.OnError, "a default error hook is installed")

	raw := newRawMessage("m1", "order_placed", `{}`)
	require.NoError(t, fakeSub.Deliver(ctx, raw))
	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, int32(1), raw.acks.Load())

	require.NoError(t, sub.Stop(ctx))
	assert.False(t, sub.Listening())
	assert.True(t, listener.Stopped())
	assert.Error(t, fakeSub.Deliver(ctx, newRawMessage("m2", "order_placed", `{}`)), "no delivery after stop")

	assert.ErrorIs(t, sub.Stop(ctx), messagebroker.ErrNotListening)
}

func TestSubscription_Ready(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	broker := newTestBroker(t, transport, zerolog.Nop())
	topic, err := broker.CreateTopic(ctx, "orders")
	require.NoError(t, err)
	_, err = topic.CreateSubscription(ctx, "central", messagebroker.SubscriptionConfig{})
	require.NoError(t, err)
	sub := broker.GetSubscription("central")

	assert.ErrorIs(t, sub.Ready(ctx), messagebroker.ErrNotListening)

	require.NoError(t, sub.Start(ctx, messagebroker.ListenOptions{}))
	assert.NoError(t, sub.Ready(ctx))

	// The receive loop ends while the subscription still considers itself started.
	listener := transport.subscription("broker_central").Listener()
	require.NoError(t, listener.Stop(ctx))
	assert.True(t, sub.Listening())
	assert.ErrorIs(t, sub.Ready(ctx), messagebroker.ErrListenerExited)

	require.NoError(t, sub.Stop(ctx))
	assert.ErrorIs(t, sub.Ready(ctx), messagebroker.ErrNotListening)
}

func TestSubscription_Start_MissingSubscription(t *testing.T) {
	sub, _ := newTestSubscription(t, zerolog.Nop())

	err := sub.Start(context.Background(), messagebroker.ListenOptions{})
	assert.ErrorIs(t, err, messagebroker.ErrSubscriptionNotFound)
	assert.False(t, sub.Listening())
}

func TestSubscription_Start_ExistsError(t *testing.T) {
	sub, transport := newTestSubscription(t, zerolog.Nop())
	transport.subscription("broker_central").existsErr = errors.New("unavailable")

	err := sub.Start(context.Background(), messagebroker.ListenOptions{})
	assert.Error(t, err)
	assert.False(t, sub.Listening())
}

func TestSubscription_Delete(t *testing.T) {
	ctx := context.Background()
	transport := newFakeTransport()
	broker := newTestBroker(t, transport, zerolog.Nop())
	topic, err := broker.CreateTopic(ctx, "orders")
	require.NoError(t, err)
	sub, err := topic.CreateSubscription(ctx, "central", messagebroker.SubscriptionConfig{})
	require.NoError(t, err)

	require.NoError(t, sub.Delete(ctx))
	exists, err := sub.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.ErrorIs(t, sub.Delete(ctx), messagebroker.ErrSubscriptionNotFound)
}

func TestHandlerError(t *testing.T) {
	cause := errors.New("cause")
	err := &messagebroker.HandlerError{Subscription: "broker_central", EventType: "e", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "broker_central")
	assert.Contains(t, err.Error(), `"e"`)
}

func TestNewMessage(t *testing.T) {
	payload := map[string]any{"a": "b"}
	msg := messagebroker.NewMessage("e", payload, "req-1", "token")
	payload["a"] = "changed"

	v, ok := msg.Get("a")
	require.True(t, ok)
	assert.Equal(t, "b", v, "NewMessage copies the payload")
	assert.Equal(t, "req-1", msg.CorrelationID())
	assert.Equal(t, "token", msg.ValidationToken())

	returned := msg.Payload()
	returned["a"] = "mutated"
	v, _ = msg.Get("a")
	assert.Equal(t, "b", v, "Payload returns a copy")

	assert.NotNil(t, messagebroker.NewMessage("e", nil, "", "").Payload())
}

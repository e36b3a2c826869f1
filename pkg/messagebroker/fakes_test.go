package messagebroker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/illmade-knight/go-messagebroker/pkg/messagebroker"
	"github.com/rs/zerolog"
)

// --- In-memory transport used by the unit tests ---

type fakeTransport struct {
	mu     sync.Mutex
	topics map[string]*fakeTopic
	subs   map[string]*fakeSubscription
	// createTopicErr, when set, is returned by CreateTopic for new topics.
	createTopicErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		topics: make(map[string]*fakeTopic),
		subs:   make(map[string]*fakeSubscription),
	}
}

func (f *fakeTransport) topic(name string) *fakeTopic {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.topics[name]
	if !ok {
		t = &fakeTopic{id: name, transport: f}
		f.topics[name] = t
	}
	return t
}

func (f *fakeTransport) subscription(name string) *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[name]
	if !ok {
		s = &fakeSubscription{id: name}
		f.subs[name] = s
	}
	return s
}

func (f *fakeTransport) Topic(name string) messagebroker.TopicHandle {
	return f.topic(name)
}

func (f *fakeTransport) CreateTopic(_ context.Context, name string) (messagebroker.TopicHandle, error) {
	t := f.topic(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exists {
		return t, fmt.Errorf("topic %s: %w", name, messagebroker.ErrAlreadyExists)
	}
	if f.createTopicErr != nil {
		return nil, f.createTopicErr
	}
	t.exists = true
	return t, nil
}

func (f *fakeTransport) Subscription(name string) messagebroker.SubscriptionHandle {
	return f.subscription(name)
}

type publishedMessage struct {
	Data       []byte
	Attributes map[string]string
}

type fakeTopic struct {
	id        string
	transport *fakeTransport

	mu         sync.Mutex
	exists     bool
	published  []publishedMessage
	subConfigs map[string]messagebroker.SubscriptionConfig
	publishErr error
	stopped    bool
}

func (t *fakeTopic) ID() string { return t.id }

func (t *fakeTopic) Exists(context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exists, nil
}

func (t *fakeTopic) Publish(_ context.Context, data []byte, attributes map[string]string) messagebroker.PublishResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publishErr != nil {
		return &fakePublishResult{err: t.publishErr}
	}
	t.published = append(t.published, publishedMessage{Data: data, Attributes: attributes})
	return &fakePublishResult{id: fmt.Sprintf("%s-%d", t.id, len(t.published))}
}

func (t *fakeTopic) CreateSubscription(_ context.Context, name string, cfg messagebroker.SubscriptionConfig) (messagebroker.SubscriptionHandle, error) {
	t.mu.Lock()
	if !t.exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("topic %s: %w", t.id, messagebroker.ErrTopicNotFound)
	}
	if t.subConfigs == nil {
		t.subConfigs = make(map[string]messagebroker.SubscriptionConfig)
	}
	t.subConfigs[name] = cfg
	t.mu.Unlock()

	sub := t.transport.subscription(name)
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.exists {
		return sub, fmt.Errorf("subscription %s: %w", name, messagebroker.ErrAlreadyExists)
	}
	sub.exists = true
	return sub, nil
}

func (t *fakeTopic) Delete(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.exists {
		return messagebroker.ErrTopicNotFound
	}
	t.exists = false
	return nil
}

func (t *fakeTopic) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTopic) Published() []publishedMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]publishedMessage(nil), t.published...)
}

func (t *fakeTopic) SubscriptionConfig(name string) (messagebroker.SubscriptionConfig, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cfg, ok := t.subConfigs[name]
	return cfg, ok
}

func (t *fakeTopic) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakePublishResult struct {
	id  string
	err error
}

func (r *fakePublishResult) Get(context.Context) (string, error) { return r.id, r.err }

type fakeSubscription struct {
	id string

	mu        sync.Mutex
	exists    bool
	existsErr error
	listener  *fakeListener
}

func (s *fakeSubscription) ID() string { return s.id }

func (s *fakeSubscription) Exists(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists, s.existsErr
}

func (s *fakeSubscription) Delete(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exists {
		return messagebroker.ErrSubscriptionNotFound
	}
	s.exists = false
	return nil
}

func (s *fakeSubscription) Listen(opts messagebroker.ListenOptions, onMessage func(ctx context.Context, msg messagebroker.RawMessage)) messagebroker.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = &fakeListener{opts: opts, onMessage: onMessage, done: make(chan struct{})}
	return s.listener
}

// Deliver hands raw to the active listener, as the transport would.
func (s *fakeSubscription) Deliver(ctx context.Context, raw messagebroker.RawMessage) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		return errors.New("no listener")
	}
	return l.deliver(ctx, raw)
}

func (s *fakeSubscription) Listener() *fakeListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

type fakeListener struct {
	opts      messagebroker.ListenOptions
	onMessage func(ctx context.Context, msg messagebroker.RawMessage)
	done      chan struct{}

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopOnce sync.Once
}

func (l *fakeListener) Start(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return errors.New("listener already started")
	}
	l.started = true
	return nil
}

func (l *fakeListener) Stop(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return errors.New("listener was not started")
	}
	l.stopOnce.Do(func() {
		l.stopped = true
		close(l.done)
	})
	return nil
}

func (l *fakeListener) Done() <-chan struct{} { return l.done }

func (l *fakeListener) deliver(ctx context.Context, raw messagebroker.RawMessage) error {
	l.mu.Lock()
	running := l.started && !l.stopped
	l.mu.Unlock()
	if !running {
		return errors.New("listener not running")
	}
	l.onMessage(ctx, raw)
	return nil
}

func (l *fakeListener) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

type fakeRawMessage struct {
	id      string
	data    []byte
	attrs   map[string]string
	attempt int
	acks    atomic.Int32
	rejects atomic.Int32
}

func newRawMessage(id, eventType, body string) *fakeRawMessage {
	attrs := map[string]string{}
	if eventType != "" {
		attrs[messagebroker.EventAttribute] = eventType
	}
	return &fakeRawMessage{id: id, data: []byte(body), attrs: attrs, attempt: 1}
}

func (m *fakeRawMessage) ID() string                    { return m.id }
func (m *fakeRawMessage) Data() []byte                  { return m.data }
func (m *fakeRawMessage) Attributes() map[string]string { return m.attrs }
func (m *fakeRawMessage) DeliveryAttempt() int          { return m.attempt }
func (m *fakeRawMessage) Ack()                          { m.acks.Add(1) }
func (m *fakeRawMessage) Reject()                       { m.rejects.Add(1) }

// --- Log capture ---

// logBuffer collects zerolog JSON output safely across goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func newTestLogger() (zerolog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return zerolog.New(buf).Level(zerolog.DebugLevel), buf
}

// Entries returns every log line decoded as a map.
func (b *logBuffer) Entries() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err == nil {
			entries = append(entries, entry)
		}
	}
	return entries
}

// WithMessage returns the log lines whose message equals msg.
func (b *logBuffer) WithMessage(msg string) []map[string]any {
	var matched []map[string]any
	for _, entry := range b.Entries() {
		if entry[zerolog.MessageFieldName] == msg {
			matched = append(matched, entry)
		}
	}
	return matched
}

// ErrorCount counts error-level lines.
func (b *logBuffer) ErrorCount() int {
	count := 0
	for _, entry := range b.Entries() {
		if entry[zerolog.LevelFieldName] == zerolog.LevelErrorValue {
			count++
		}
	}
	return count
}

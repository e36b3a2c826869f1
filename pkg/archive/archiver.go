// Package archive keeps a durable copy of dead-lettered messages in Cloud Storage.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/illmade-knight/go-messagebroker/pkg/messagebroker"
	"github.com/rs/zerolog"
)

// Config holds configuration for the dead-letter archiver.
type Config struct {
	BucketName   string
	ObjectPrefix string
}

// Record is the JSON document written for every archived message. Payload holds
// the body when it is valid JSON; otherwise Data holds the raw bytes.
type Record struct {
	ID              string            `json:"id"`
	EventType       string            `json:"event,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	Data            []byte            `json:"data,omitempty"`
	DeliveryAttempt int               `json:"delivery_attempt,omitempty"`
	ArchivedAt      time.Time         `json:"archived_at"`
}

// DeadLetterArchiver consumes a subscription attached to the dead-letter topic
// and writes each message to <prefix>/<yyyy>/<mm>/<dd>/<message-id>.json.
// A message is acknowledged once its object is written and rejected otherwise.
type DeadLetterArchiver struct {
	handle messagebroker.SubscriptionHandle
	client GCSClient
	config Config
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	listener messagebroker.Listener
}

// NewDeadLetterArchiver creates an archiver reading from handle. Use
// Broker.SubscriptionHandle to obtain the handle.
func NewDeadLetterArchiver(
	handle messagebroker.SubscriptionHandle,
	gcsClient GCSClient,
	config Config,
	logger zerolog.Logger,
) (*DeadLetterArchiver, error) {
	if handle == nil {
		return nil, errors.New("subscription handle cannot be nil")
	}
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &DeadLetterArchiver{
		handle: handle,
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "DeadLetterArchiver").Str("subscription_name", handle.ID()).Logger(),
		now:    time.Now,
	}, nil
}

// Start begins archiving. It fails with messagebroker.ErrSubscriptionNotFound
// when the subscription does not exist.
func (a *DeadLetterArchiver) Start(ctx context.Context, opts messagebroker.ListenOptions) error {
	exists, err := a.handle.Exists(ctx)
	if err != nil {
		return fmt.Errorf("failed to check subscription %s: %w", a.handle.ID(), err)
	}
	if !exists {
		return fmt.Errorf("subscription %s does not exist: %w", a.handle.ID(), messagebroker.ErrSubscriptionNotFound)
	}

	listener := a.handle.Listen(opts, a.Archive)
	if err := listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start archiver listener: %w", err)
	}

	a.mu.Lock()
	a.listener = listener
	a.mu.Unlock()
	a.logger.Info().Str("bucket", a.config.BucketName).Msg("Dead-letter archiver started")
	return nil
}

// Stop halts archiving and waits for in-flight writes or ctx expiry.
func (a *DeadLetterArchiver) Stop(ctx context.Context) error {
	a.mu.Lock()
	listener := a.listener
	a.listener = nil
	a.mu.Unlock()
	if listener == nil {
		return messagebroker.ErrNotListening
	}
	a.logger.Info().Msg("Stopping dead-letter archiver")
	return listener.Stop(ctx)
}

// Ready reports nil while the archiver is receiving dead letters.
func (a *DeadLetterArchiver) Ready(context.Context) error {
	a.mu.Lock()
	listener := a.listener
	a.mu.Unlock()
	return messagebroker.ListenerReady(listener)
}

// Archive writes one message to Cloud Storage, then acknowledges it, or rejects
// it if the write fails.
func (a *DeadLetterArchiver) Archive(ctx context.Context, raw messagebroker.RawMessage) {
	record := a.newRecord(raw)
	objectName := a.objectName(record)

	if err := a.write(ctx, objectName, record); err != nil {
		a.logger.Error().Err(err).Str("msg_id", raw.ID()).Str("object_name", objectName).Msg("Failed to archive dead-lettered message")
		raw.Reject()
		return
	}
	raw.Ack()
	a.logger.Info().
		Str("msg_id", raw.ID()).
		Str("event", record.EventType).
		Str("object_name", objectName).
		Msg("Dead-lettered message archived")
}

func (a *DeadLetterArchiver) newRecord(raw messagebroker.RawMessage) *Record {
	record := &Record{
		ID:              raw.ID(),
		EventType:       raw.Attributes()[messagebroker.EventAttribute],
		Attributes:      raw.Attributes(),
		DeliveryAttempt: raw.DeliveryAttempt(),
		ArchivedAt:      a.now().UTC(),
	}
	if json.Valid(raw.Data()) {
		record.Payload = json.RawMessage(raw.Data())
	} else {
		record.Data = raw.Data()
	}
	return record
}

func (a *DeadLetterArchiver) objectName(record *Record) string {
	return path.Join(a.config.ObjectPrefix, record.ArchivedAt.Format("2006/01/02"), record.ID+".json")
}

func (a *DeadLetterArchiver) write(ctx context.Context, objectName string, record *Record) error {
	writer := a.client.Bucket(a.config.BucketName).Object(objectName).NewWriter(ctx)
	if err := json.NewEncoder(writer).Encode(record); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

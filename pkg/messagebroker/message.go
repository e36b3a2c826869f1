package messagebroker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
)

// Wire names shared by publishers and subscribers.
const (
	// EventAttribute carries the event type used to route a message.
	EventAttribute = "event"
	// ValidationTokenAttribute carries the optional publisher credential.
	ValidationTokenAttribute = "publisher_validation_token"
	// RequestIDField is the payload field that carries the correlation id.
	RequestIDField = "request_id"
)

// Message is a decoded delivery handed to a registered handler. The payload never
// contains the request_id field; the correlation id is exposed separately.
type Message struct {
	id              string
	eventType       string
	subscription    string
	deliveryAttempt int
	payload         map[string]any
	correlationID   string
	validationToken string
}

// NewMessage builds a Message, mainly for handler tests. The payload map is copied.
func NewMessage(eventType string, payload map[string]any, correlationID, validationToken string) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		eventType:       eventType,
		payload:         maps.Clone(payload),
		correlationID:   correlationID,
		validationToken: validationToken,
	}
}

// ID is the transport message id.
func (m *Message) ID() string { return m.id }

// EventType is the routing key the message was published with.
func (m *Message) EventType() string { return m.eventType }

// Subscription is the full name of the subscription that delivered the message.
func (m *Message) Subscription() string { return m.subscription }

// DeliveryAttempt is the transport's delivery counter, or 0 when unknown.
func (m *Message) DeliveryAttempt() int { return m.deliveryAttempt }

// CorrelationID returns the publisher's request id, or "" if none was sent.
func (m *Message) CorrelationID() string { return m.correlationID }

// ValidationToken returns the publisher validation token, or "" if none was sent.
func (m *Message) ValidationToken() string { return m.validationToken }

// Payload returns a shallow copy of the decoded payload. Numbers are json.Number.
func (m *Message) Payload() map[string]any { return maps.Clone(m.payload) }

// Get returns a single payload value.
func (m *Message) Get(key string) (any, bool) {
	v, ok := m.payload[key]
	return v, ok
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	data, err := json.Marshal(m.payload)
	if err != nil {
		return fmt.Errorf("failed to re-encode payload: %w", err)
	}
	return json.Unmarshal(data, v)
}

// decodeMessage turns a raw delivery into a Message, stripping the request_id
// field from the body. Any body that is not a JSON object is a decode error.
func decodeMessage(raw RawMessage, subscription string) (*Message, error) {
	payload := make(map[string]any)
	dec := json.NewDecoder(bytes.NewReader(raw.Data()))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: body is null", ErrDecode)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrDecode)
	}

	attrs := raw.Attributes()
	msg := &Message{
		id:              raw.ID(),
		eventType:       attrs[EventAttribute],
		subscription:    subscription,
		deliveryAttempt: raw.DeliveryAttempt(),
		validationToken: attrs[ValidationTokenAttribute],
	}
	if v, ok := payload[RequestIDField]; ok {
		if s, isString := v.(string); isString {
			msg.correlationID = s
		}
		delete(payload, RequestIDField)
	}
	msg.payload = payload
	return msg, nil
}

// peekRequestID extracts request_id from a body without failing; used for logging only.
func peekRequestID(data []byte) string {
	var body struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	return body.RequestID
}

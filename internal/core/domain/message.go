package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the payload sent over WebSocket and across the broadcast relay.
// It is encoded flat: {"type", "channel", ...data fields, "timestamp"}.
type Message struct {
	Type      EventType
	Channel   string
	Data      any
	Timestamp time.Time
}

// NewEventMessage wraps a DomainEvent for publication.
func NewEventMessage(event DomainEvent) Message {
	return Message{
		Type:      event.Type(),
		Data:      event.Payload(),
		Timestamp: event.OccurredAt(),
	}
}

// WithChannel returns a copy of the message addressed to the channel.
func (m Message) WithChannel(channel string) Message {
	m.Channel = channel
	return m
}

// RequestPayload returns the payload of a request event message.
func (m Message) RequestPayload() (RequestPayload, bool) {
	switch p := m.Data.(type) {
	case RequestPayload:
		return p, true
	case *RequestPayload:
		if p != nil {
			return *p, true
		}
	}
	return RequestPayload{}, false
}

// MarshalJSON flattens the data fields into the envelope.
func (m Message) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}

	if m.Data != nil {
		raw, err := json.Marshal(m.Data)
		if err != nil {
			return nil, fmt.Errorf("marshal message data: %w", err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("message data must be a JSON object: %w", err)
		}
	}

	typ, _ := json.Marshal(m.Type)
	fields["type"] = typ

	if m.Channel != "" {
		channel, _ := json.Marshal(m.Channel)
		fields["channel"] = channel
	}

	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp, _ := json.Marshal(ts.UTC().Format(time.RFC3339Nano))
	fields["timestamp"] = stamp

	return json.Marshal(fields)
}

type envelopeHeader struct {
	Type      EventType `json:"type"`
	Channel   string    `json:"channel"`
	Timestamp string    `json:"timestamp"`
}

// DecodeMessage parses a flat wire message and types its data by event type.
// Unknown types keep their data as a generic map.
func DecodeMessage(data []byte) (Message, error) {
	var header envelopeHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if header.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}

	msg := Message{Type: header.Type, Channel: header.Channel}
	if header.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, header.Timestamp)
		if err != nil {
			return Message{}, fmt.Errorf("decode message timestamp: %w", err)
		}
		msg.Timestamp = ts
	}

	var target any
	switch header.Type {
	case EventRequestCreated, EventRequestCompleted, EventRequestUpdated:
		target = &RequestPayload{}
	case EventUserOnline, EventUserOffline:
		target = &PresencePayload{}
	case EventActiveUsers:
		target = &ActiveUsersPayload{}
	case EventOnlineCount:
		target = &OnlineCountPayload{}
	default:
		generic := map[string]any{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return Message{}, fmt.Errorf("decode message data: %w", err)
		}
		delete(generic, "type")
		delete(generic, "channel")
		delete(generic, "timestamp")
		msg.Data = generic
		return msg, nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return Message{}, fmt.Errorf("decode %s data: %w", header.Type, err)
	}

	switch p := target.(type) {
	case *RequestPayload:
		msg.Data = *p
	case *PresencePayload:
		msg.Data = *p
	case *ActiveUsersPayload:
		msg.Data = *p
	case *OnlineCountPayload:
		msg.Data = *p
	}
	return msg, nil
}

package domain_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/labnotify/internal/core/domain"
)

func TestMessage_MarshalIsFlat(t *testing.T) {
	event, err := domain.NewRequestCreated(validRequest(), time.Date(2026, 5, 2, 8, 30, 0, 0, time.UTC))
	require.NoError(t, err)

	msg := domain.NewEventMessage(event).WithChannel(domain.LabChannelName)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))

	assert.Equal(t, "new_request", fields["type"])
	assert.Equal(t, "lab", fields["channel"])
	assert.Equal(t, float64(42), fields["requestId"])
	assert.Equal(t, "Ana Torres", fields["patientName"])
	assert.Equal(t, "2026-05-02T08:30:00Z", fields["timestamp"])
	assert.NotContains(t, fields, "data")
}

func TestDecodeMessage_TypesPayloadByEventType(t *testing.T) {
	event, err := domain.NewRequestCompleted(validRequest(), time.Now())
	require.NoError(t, err)

	raw, err := json.Marshal(domain.NewEventMessage(event).WithChannel("user." + uuid.NewString()))
	require.NoError(t, err)

	msg, err := domain.DecodeMessage(raw)
	require.NoError(t, err)

	payload, ok := msg.RequestPayload()
	require.True(t, ok)
	assert.Equal(t, domain.EventRequestCompleted, msg.Type)
	assert.Equal(t, event.Payload(), payload)
	assert.WithinDuration(t, event.OccurredAt(), msg.Timestamp, time.Millisecond)
}

func TestDecodeMessage_Presence(t *testing.T) {
	userID := uuid.New()
	msg := domain.Message{
		Type:    domain.EventUserOnline,
		Channel: domain.AdminChannelName,
		Data:    domain.PresencePayload{UserID: userID, DisplayName: "Lab Tech", Role: domain.RoleLab},
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	decoded, err := domain.DecodeMessage(raw)
	require.NoError(t, err)

	payload, ok := decoded.Data.(domain.PresencePayload)
	require.True(t, ok)
	assert.Equal(t, userID, payload.UserID)
	assert.Equal(t, domain.RoleLab, payload.Role)
}

func TestDecodeMessage_Errors(t *testing.T) {
	_, err := domain.DecodeMessage([]byte(`{"channel":"lab"}`))
	assert.Error(t, err)

	_, err = domain.DecodeMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeMessage_UnknownTypeKeepsFields(t *testing.T) {
	msg, err := domain.DecodeMessage([]byte(`{"type":"SUBSCRIBED","channel":"lab","ok":true}`))
	require.NoError(t, err)

	assert.Equal(t, domain.EventType("SUBSCRIBED"), msg.Type)
	assert.Equal(t, map[string]any{"ok": true}, msg.Data)
}

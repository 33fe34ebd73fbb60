package domain_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/labnotify/internal/core/domain"
	apperrors "github.com/lorrc/labnotify/internal/core/errors"
)

func TestChannelSelector_NameAndParse(t *testing.T) {
	userID := uuid.New()

	tests := []struct {
		name     string
		selector domain.ChannelSelector
		wire     string
	}{
		{"lab role channel", domain.RoleChannel(domain.RoleLab), "lab"},
		{"user channel", domain.UserChannel(userID), "user." + userID.String()},
		{"admin channel", domain.AdminChannel(), "admins"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wire, tt.selector.Name())

			parsed, ok := domain.ParseChannel(tt.wire)
			require.True(t, ok)
			assert.Equal(t, tt.selector, parsed)
		})
	}

	_, ok := domain.ParseChannel("user.not-a-uuid")
	assert.False(t, ok)
	_, ok = domain.ParseChannel("doctors")
	assert.False(t, ok)
	assert.Empty(t, domain.BroadcastAll().Name())
}

func TestChannelSelector_CanSubscribe(t *testing.T) {
	owner := uuid.New()
	other := uuid.New()

	assert.True(t, domain.UserChannel(owner).CanSubscribe(owner, domain.RoleDoctor))
	assert.False(t, domain.UserChannel(owner).CanSubscribe(other, domain.RoleAdmin))

	assert.True(t, domain.RoleChannel(domain.RoleLab).CanSubscribe(other, domain.RoleLab))
	assert.True(t, domain.RoleChannel(domain.RoleLab).CanSubscribe(other, domain.RoleAdmin))
	assert.False(t, domain.RoleChannel(domain.RoleLab).CanSubscribe(other, domain.RoleDoctor))

	assert.True(t, domain.AdminChannel().CanSubscribe(other, domain.RoleAdmin))
	assert.False(t, domain.AdminChannel().CanSubscribe(other, domain.RoleLab))
	assert.False(t, domain.BroadcastAll().CanSubscribe(other, domain.RoleAdmin))
}

func TestNotification_MarkReadIsMonotonic(t *testing.T) {
	event, err := domain.NewRequestCompleted(validRequest(), time.Now())
	require.NoError(t, err)

	n, err := domain.NewNotification(uuid.New(), event)
	require.NoError(t, err)
	assert.False(t, n.IsRead())

	first := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	assert.True(t, n.MarkRead(first))
	assert.False(t, n.MarkRead(first.Add(time.Hour)))
	assert.Equal(t, first, *n.ReadAt)
}

func TestNewNotification_RequiresRecipient(t *testing.T) {
	event, err := domain.NewRequestCompleted(validRequest(), time.Now())
	require.NoError(t, err)

	_, err = domain.NewNotification(uuid.Nil, event)
	assert.ErrorIs(t, err, apperrors.ErrRecipientRequired)
}

func TestPage_Normalize(t *testing.T) {
	assert.Equal(t, domain.Page{Limit: domain.DefaultPageLimit}, domain.Page{}.Normalize())
	assert.Equal(t, domain.Page{Limit: domain.MaxPageLimit, Offset: 0}, domain.Page{Limit: 1000, Offset: -3}.Normalize())
}

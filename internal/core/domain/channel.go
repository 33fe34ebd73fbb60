package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Channel names.
const (
	LabChannelName    = "lab"
	AdminChannelName  = "admins"
	userChannelPrefix = "user."
)

// SelectorKind identifies how a ChannelSelector addresses subscribers.
type SelectorKind int

const (
	SelectRole SelectorKind = iota + 1
	SelectUser
	SelectAdmin
	SelectAll
)

// ChannelSelector names the set of subscribers a message is delivered to.
type ChannelSelector struct {
	Kind   SelectorKind
	Role   Role
	UserID uuid.UUID
}

// RoleChannel addresses every connection subscribed to a role channel.
func RoleChannel(role Role) ChannelSelector {
	return ChannelSelector{Kind: SelectRole, Role: role}
}

// UserChannel addresses the private channel of a single user.
func UserChannel(userID uuid.UUID) ChannelSelector {
	return ChannelSelector{Kind: SelectUser, UserID: userID}
}

// AdminChannel addresses the administrative monitoring channel.
func AdminChannel() ChannelSelector {
	return ChannelSelector{Kind: SelectAdmin}
}

// BroadcastAll addresses every live connection regardless of subscriptions.
func BroadcastAll() ChannelSelector {
	return ChannelSelector{Kind: SelectAll}
}

// Name returns the wire name of the channel. BroadcastAll has no name.
func (s ChannelSelector) Name() string {
	switch s.Kind {
	case SelectRole:
		return s.Role.String()
	case SelectUser:
		return userChannelPrefix + s.UserID.String()
	case SelectAdmin:
		return AdminChannelName
	}
	return ""
}

// ParseChannel resolves a wire channel name into a selector.
func ParseChannel(name string) (ChannelSelector, bool) {
	switch {
	case name == AdminChannelName:
		return AdminChannel(), true
	case strings.HasPrefix(name, userChannelPrefix):
		id, err := uuid.Parse(strings.TrimPrefix(name, userChannelPrefix))
		if err != nil {
			return ChannelSelector{}, false
		}
		return UserChannel(id), true
	case name == LabChannelName:
		return RoleChannel(RoleLab), true
	}
	return ChannelSelector{}, false
}

// CanSubscribe decides whether an identity may attach to the channel.
// Private user channels require the identity to equal the channel owner.
func (s ChannelSelector) CanSubscribe(userID uuid.UUID, role Role) bool {
	switch s.Kind {
	case SelectUser:
		return s.UserID == userID
	case SelectRole:
		return role == s.Role || role == RoleAdmin
	case SelectAdmin:
		return role == RoleAdmin
	}
	return false
}

// DefaultChannels returns the channels a client of the given role listens on.
func DefaultChannels(userID uuid.UUID, role Role) []ChannelSelector {
	switch role {
	case RoleLab:
		return []ChannelSelector{RoleChannel(RoleLab), UserChannel(userID)}
	case RoleAdmin:
		return []ChannelSelector{AdminChannel(), UserChannel(userID)}
	default:
		return []ChannelSelector{UserChannel(userID)}
	}
}

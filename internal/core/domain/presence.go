package domain

import (
	"time"

	"github.com/google/uuid"
)

// Role is the coarse role of an authenticated user.
type Role string

const (
	RoleDoctor Role = "doctor"
	RoleLab    Role = "lab"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// IsValid checks if the role is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleDoctor, RoleLab, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// IsPrivileged reports whether the role may use administrative presence operations.
func (r Role) IsPrivileged() bool {
	return r == RoleAdmin || r == RoleSystem
}

func (r Role) String() string {
	return string(r)
}

// Presence timing defaults.
const (
	DefaultIdleThreshold = 5 * time.Minute
	DefaultReapInterval  = time.Minute
)

// ConnectedUser is the presence entry for a user holding at least one live connection.
type ConnectedUser struct {
	UserID         uuid.UUID `json:"userId"`
	DisplayName    string    `json:"displayName"`
	Role           Role      `json:"role"`
	ConnectedAt    time.Time `json:"connectedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

// IdleSince reports whether the user has had no activity since the cutoff.
func (u ConnectedUser) IdleSince(cutoff time.Time) bool {
	return u.LastActivityAt.Before(cutoff)
}

// PresencePayload is the wire payload of user_online and user_offline messages.
type PresencePayload struct {
	UserID      uuid.UUID `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role"`
}

// ActiveUsersPayload is the wire payload of the active_users snapshot.
type ActiveUsersPayload struct {
	Users []ConnectedUser `json:"users"`
	Count int             `json:"count"`
}

// OnlineCountPayload is the wire payload of the online_count message.
type OnlineCountPayload struct {
	Count int `json:"count"`
}

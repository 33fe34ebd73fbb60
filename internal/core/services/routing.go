package services

import (
	"github.com/google/uuid"
	"github.com/lorrc/labnotify/internal/core/domain"
)

// Route describes where a domain event is pushed and who gets a durable row.
type Route struct {
	// Targets are the live channels the event is published on.
	Targets []domain.ChannelSelector
	// RecipientRoles are expanded to every active user of the role.
	RecipientRoles []domain.Role
	// RecipientUsers receive a row directly.
	RecipientUsers []uuid.UUID
	// SupersedeRoles and SupersedeUsers get their unread new_request row for
	// the same request marked read.
	SupersedeRoles []domain.Role
	SupersedeUsers []uuid.UUID
}

// RouteEvent applies the delivery rules to an event.
//
//	new_request        -> lab channel, only when a doctor created the request
//	request_completed  -> the owning doctor's channel
//	request_updated    -> lab channel and the owning doctor's channel
func RouteEvent(event domain.DomainEvent) Route {
	p := event.Payload()

	switch event.(type) {
	case domain.RequestCreated:
		if p.ActorRole != domain.RoleDoctor {
			return Route{}
		}
		return Route{
			Targets:        []domain.ChannelSelector{domain.RoleChannel(domain.RoleLab)},
			RecipientRoles: []domain.Role{domain.RoleLab},
		}

	case domain.RequestCompleted:
		return Route{
			Targets:        []domain.ChannelSelector{domain.UserChannel(p.DoctorID)},
			RecipientUsers: []uuid.UUID{p.DoctorID},
			SupersedeRoles: []domain.Role{domain.RoleLab},
			SupersedeUsers: []uuid.UUID{p.DoctorID},
		}

	case domain.RequestUpdated:
		return Route{
			Targets: []domain.ChannelSelector{
				domain.RoleChannel(domain.RoleLab),
				domain.UserChannel(p.DoctorID),
			},
			RecipientRoles: []domain.Role{domain.RoleLab},
			RecipientUsers: []uuid.UUID{p.DoctorID},
		}
	}

	return Route{}
}

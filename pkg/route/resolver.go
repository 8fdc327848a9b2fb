// Package route implements the per-role forwarding decision. Each sandbox
// runs the same procedure over an envelope; the envelope keeps moving until
// some sandbox recognizes itself as the final recipient.
package route

import (
	"sandbus/pkg/endpoint"
	"sandbus/pkg/protocol"
)

// Op enumerates the possible routing actions.
type Op uint8

const (
	// OpDrop discards the envelope: already seen here, or blocked by the
	// page-messaging lock, or queued to the hub backlog by the caller.
	OpDrop Op = iota
	// OpDeliver hands the envelope to the local dispatch layer.
	OpDeliver
	// OpPage relays the envelope across the window handshake.
	OpPage
	// OpHub forwards the envelope up the single channel to the coordinator.
	OpHub
	// OpChannel forwards through the hub channel named by Decision.ChannelID.
	OpChannel
)

func (o Op) String() string {
	switch o {
	case OpDrop:
		return "drop"
	case OpDeliver:
		return "deliver"
	case OpPage:
		return "page"
	case OpHub:
		return "hub"
	case OpChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// Self describes the router making the decision.
type Self struct {
	Role         endpoint.Role
	RouterID     string
	PageUnlocked bool
}

// Decision is the resolver's verdict for one envelope at one router.
type Decision struct {
	Op        Op
	ChannelID string // resolved hub channel id, set when Op == OpChannel
}

// Decide inspects env and picks the next action. It appends self's router id
// to the hop list and rewrites the destination where the protocol requires
// it; nothing else writes those fields.
func Decide(env *protocol.Envelope, self Self) Decision {
	if env.Visited(self.RouterID) {
		return Decision{Op: OpDrop}
	}
	env.Hops = append(env.Hops, self.RouterID)

	// The page edge stays closed until the application unlocks it for this
	// instance, whichever direction the envelope travels.
	if self.Role == endpoint.RoleMediator && !self.PageUnlocked && touchesPage(env) {
		return Decision{Op: OpDrop}
	}

	if env.Destination == nil {
		return Decision{Op: OpDeliver}
	}

	switch self.Role {
	case endpoint.RolePage:
		// A page sandbox only speaks through the window handshake.
		return Decision{Op: OpPage}

	case endpoint.RoleMediator:
		if env.Destination.Role == endpoint.RoleMediator {
			// A frame bus pairs exactly one mediator with its page, so
			// mediator-addressed traffic stops here. Bouncing it off the
			// hub would only trip the loop guard on the way back.
			env.Destination = nil
			return Decision{Op: OpDeliver}
		}
		if env.Destination.Role == endpoint.RolePage {
			// The page end must treat itself as final recipient.
			env.Destination = nil
			return Decision{Op: OpPage}
		}
		if env.Destination.Role == endpoint.RoleCoordinator {
			env.Destination = nil
		}
		return Decision{Op: OpHub}

	case endpoint.RoleToolPanel:
		if env.Destination.Role == endpoint.RoleCoordinator {
			env.Destination = nil
		}
		return Decision{Op: OpHub}

	case endpoint.RoleCoordinator:
		return Decision{Op: OpChannel, ChannelID: resolveChannel(env)}

	case endpoint.RoleUnknown:
		return Decision{Op: OpDrop}
	}
	return Decision{Op: OpDrop}
}

func touchesPage(env *protocol.Envelope) bool {
	if env.Origin.Role == endpoint.RolePage {
		return true
	}
	return env.Destination != nil && env.Destination.Role == endpoint.RolePage
}

// resolveChannel picks the hub channel id for an envelope leaving the
// coordinator and rewrites the destination for the next hop.
func resolveChannel(env *protocol.Envelope) string {
	dst := env.Destination

	// Prefer the target's own instance; fall back to the origin's so a
	// coordinator-built reply still reaches the sender's instance.
	inst := dst.Instance
	if inst == nil {
		inst = env.Origin.Instance
	}

	role := dst.Role
	if role == endpoint.RolePage {
		// The owning mediator relays onward. It cannot know its own
		// instance id, so a concrete one would only misdirect it.
		d := *dst
		d.Instance = nil
		env.Destination = &d
		role = endpoint.RoleMediator
	} else {
		env.Destination = nil
	}
	return endpoint.ChannelID(role, inst)
}

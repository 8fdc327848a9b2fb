// Package endpoint defines the four sandbox roles and the destination
// identifier grammar used to address them.
package endpoint

import (
	"fmt"
	"regexp"
	"strconv"
)

// Role is one of the four fixed sandbox kinds. The zero value is invalid so
// that an unset role can never be routed.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleCoordinator
	RoleToolPanel
	RoleMediator
	RolePage
)

// Wire names of the roles as they appear in destination identifiers.
const (
	nameCoordinator = "background"
	nameToolPanel   = "devtools"
	nameMediator    = "content-script"
	namePage        = "window"
)

// String returns the role's wire name.
func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return nameCoordinator
	case RoleToolPanel:
		return nameToolPanel
	case RoleMediator:
		return nameMediator
	case RolePage:
		return namePage
	default:
		return "unknown"
	}
}

// RoleByName maps a wire name back to its role.
func RoleByName(s string) (Role, bool) {
	switch s {
	case nameCoordinator:
		return RoleCoordinator, true
	case nameToolPanel:
		return RoleToolPanel, true
	case nameMediator:
		return RoleMediator, true
	case namePage:
		return RolePage, true
	default:
		return RoleUnknown, false
	}
}

// Endpoint addresses a sandbox by role and, for roles attached to a content
// instance (a tab), by instance id. Instance is nil when the identifier did
// not carry one.
type Endpoint struct {
	Role     Role    `json:"role"`
	Instance *uint32 `json:"instance,omitempty"`
}

// At builds an endpoint bound to a concrete content instance.
func At(r Role, instance uint32) Endpoint {
	return Endpoint{Role: r, Instance: &instance}
}

// HasInstance reports whether the endpoint carries an instance id.
func (e Endpoint) HasInstance() bool { return e.Instance != nil }

// String renders the endpoint back into identifier form, the inverse of Parse.
func (e Endpoint) String() string {
	if e.Instance == nil {
		return e.Role.String()
	}
	return e.Role.String() + "@" + strconv.FormatUint(uint64(*e.Instance), 10)
}

// AddressingError reports a destination identifier that does not match the
// grammar.
type AddressingError struct {
	Input string
}

func (e *AddressingError) Error() string {
	return fmt.Sprintf("unrecognized destination identifier %q", e.Input)
}

// FaultName names the error on the wire.
func (e *AddressingError) FaultName() string { return "AddressingError" }

var idPattern = regexp.MustCompile(`^(background|devtools|content-script|window)(?:@(\d+))?$`)

// Parse resolves an identifier of the form role(@instance)? into an Endpoint.
func Parse(identifier string) (Endpoint, error) {
	m := idPattern.FindStringSubmatch(identifier)
	if m == nil {
		return Endpoint{}, &AddressingError{Input: identifier}
	}
	role, ok := RoleByName(m[1])
	if !ok {
		return Endpoint{}, &AddressingError{Input: identifier}
	}
	ep := Endpoint{Role: role}
	if m[2] != "" {
		n, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			return Endpoint{}, &AddressingError{Input: identifier}
		}
		inst := uint32(n)
		ep.Instance = &inst
	}
	return ep, nil
}

// IsInternal reports whether the endpoint lives inside the trusted side of
// the page boundary. Application code uses this to gate trust decisions.
func IsInternal(e Endpoint) bool {
	switch e.Role {
	case RoleCoordinator, RoleToolPanel, RoleMediator:
		return true
	default:
		return false
	}
}

// ChannelID renders the hub registry key for a role/instance pair, e.g.
// "content-script@7". The instance part is omitted when unknown.
func ChannelID(r Role, instance *uint32) string {
	if instance == nil {
		return r.String()
	}
	return r.String() + "@" + strconv.FormatUint(uint64(*instance), 10)
}

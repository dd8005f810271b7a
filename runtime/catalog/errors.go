package catalog

import "errors"

// Typed catalog errors. Controllers map these to HTTP codes at the edge;
// the runtime only distinguishes the kinds.
var (
	// ErrAgentNotFound indicates no definition exists for the name/scope.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentClassUnresolvable indicates the class name has no registered
	// constructor.
	ErrAgentClassUnresolvable = errors.New("agent class unresolvable")
	// ErrAgentUpdatesDisabled indicates the definition is owned by the
	// static catalog and cannot be removed at runtime.
	ErrAgentUpdatesDisabled = errors.New("agent updates disabled")
	// ErrAgentAlreadyExists indicates a create collided with an existing
	// definition.
	ErrAgentAlreadyExists = errors.New("agent already exists")
	// ErrReservedName indicates the name is reserved for internal markers.
	ErrReservedName = errors.New("agent name is reserved")
	// ErrCrewCycle indicates a leader reaches itself through its crew.
	ErrCrewCycle = errors.New("leader crew contains a cycle")
	// ErrCrewMemberInvalid indicates a crew member is missing or disabled.
	ErrCrewMemberInvalid = errors.New("crew member missing or disabled")
)

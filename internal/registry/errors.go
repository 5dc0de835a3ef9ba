package registry

import (
	"fmt"
	"strings"
)

// ValidationError reports bad input at the registration boundary.
type ValidationError struct {
	Field      string
	Message    string
	Suggestion string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation error in %q: %s", e.Field, e.Message)
	if e.Suggestion != "" {
		msg += " (suggestion: " + e.Suggestion + ")"
	}
	return msg
}

// DuplicateIdentityError reports a registration with an existing agent
// identity.
type DuplicateIdentityError struct {
	Identity string
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("agent with identity %q already exists; use a unique identity or deregister the existing agent first", e.Identity)
}

// DuplicateKBError reports a registration with an existing kb_id.
type DuplicateKBError struct {
	KBID string
}

func (e *DuplicateKBError) Error() string {
	return fmt.Sprintf("KB with id %q already exists; use a unique kb_id or deregister the existing KB first", e.KBID)
}

// UnsupportedKBTypeError reports a registration with an unknown KB kind.
type UnsupportedKBTypeError struct {
	KBType    string
	Supported []string
}

func (e *UnsupportedKBTypeError) Error() string {
	return fmt.Sprintf("KB type %q is not supported; supported types: %s",
		e.KBType, strings.Join(e.Supported, ", "))
}

// InvalidOperationError reports an operation outside a KB kind's
// allow-list.
type InvalidOperationError struct {
	Operation string
	Allowed   []string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("operation %q is not valid; allowed operations: %s",
		e.Operation, strings.Join(e.Allowed, ", "))
}

// EntityNotFoundError reports a lookup miss.
type EntityNotFoundError struct {
	Kind string
	ID   string
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("%s with id %q not found", e.Kind, e.ID)
}

package constants

import "errors"

// Identifier and path errors
var (
	ErrInvalidIdentifier = errors.New("invalid record identifier")
	ErrInvalidPath       = errors.New("invalid record path")
	ErrUnknownCommand    = errors.New("unknown operation command")
)

// Local replay errors
var (
	ErrStructuralMismatch = errors.New("path does not resolve to the expected structure")
)

// Facade errors
var (
	ErrUnknownField  = errors.New("unknown field")
	ErrReadOnlyField = errors.New("field is read-only")
	ErrUnknownRecord = errors.New("record not found")
	ErrUnknownKind   = errors.New("unknown block kind")
)

// Lifecycle errors
var (
	ErrNoBaseURL          = errors.New("base url not set")
	ErrTransactionClosed  = errors.New("transaction already closed")
	ErrTransactionAborted = errors.New("transaction aborted by a nested scope")
	ErrListenerClosed     = errors.New("listener is closed")
	ErrNotConnected       = errors.New("push session is not open")
	ErrMonitoringDisabled = errors.New("monitoring is not enabled for this client")
)

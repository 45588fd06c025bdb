package ir

// Version constants for the event schema and the custody service.
const (
	// EventSchemaVersion is bumped whenever event field layouts change.
	EventSchemaVersion = "2"

	// Version is the custody service version.
	Version = "0.1.0"
)

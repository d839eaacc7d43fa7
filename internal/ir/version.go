package ir

// Version constants for the persisted schema and the library.
const (
	// SchemaVersion is the user_version of a fully migrated store.
	SchemaVersion = 2

	// LibraryVersion is reported by the CLI.
	LibraryVersion = "0.1.0"
)

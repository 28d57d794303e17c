// Package app owns the application lifecycle: it builds the logger and the
// run identity, resolves the layered configuration into concrete stage
// inputs, constructs the collaborators and dispatches the selected command.
// Fatal startup errors panic here and are recovered by the entrypoint.
package app

// Package helper provides fixtures, spies and backend decorators for testing the event store.
//
// The spies capture what the store reports through its dependency-free observability interfaces,
// LogHandlerSpy backs a *slog.Logger, so it works for both Logger and ContextualLogger.
package helper

package sqliteengine

import (
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
)

// Option defines a functional option for configuring a Backend.
type Option func(*Backend) error

// WithLogger sets the logger for SQL debug logs and operational messages.
func WithLogger(logger eventstore.Logger) Option {
	return func(b *Backend) error {
		b.logger = logger
		return nil
	}
}

// WithContextualLogger sets a context-aware logger.
func WithContextualLogger(logger eventstore.ContextualLogger) Option {
	return func(b *Backend) error {
		b.contextualLogger = logger
		return nil
	}
}

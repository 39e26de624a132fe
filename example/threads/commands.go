package threads

import (
	"context"
	"errors"
	"time"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/example/threads/core"
)

const (
	commandPostMessage = "post_message"
	commandCloseThread = "close_thread"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrThreadClosed   = errors.New("thread is closed")
)

// PostMessage appends a message to an open thread of tenantID. A lost race against a concurrent
// writer is retried with a fresh session.
func PostMessage(
	ctx context.Context,
	store *eventstore.Store,
	tenantID eventstore.TenantID,
	threadID eventstore.StreamID,
	by, text string,
	options ...RetryOption,
) error {
	return retryOnConflict(ctx, commandPostMessage, func(ctx context.Context) error {
		return decide(ctx, store.OpenSession(tenantID), threadID, func(thread *core.Thread) (any, error) {
			if thread.Status == core.StatusClosed {
				return nil, ErrThreadClosed
			}

			return core.BuildMessagePosted(time.Now(), by, text), nil
		})
	}, options)
}

// CloseThread closes an open thread of tenantID. Closing a closed thread fails with ErrThreadClosed.
func CloseThread(
	ctx context.Context,
	store *eventstore.Store,
	tenantID eventstore.TenantID,
	threadID eventstore.StreamID,
	by string,
	options ...RetryOption,
) error {
	return retryOnConflict(ctx, commandCloseThread, func(ctx context.Context) error {
		return decide(ctx, store.OpenSession(tenantID), threadID, func(thread *core.Thread) (any, error) {
			if thread.Status == core.StatusClosed {
				return nil, ErrThreadClosed
			}

			return core.BuildThreadClosed(time.Now(), by), nil
		})
	}, options)
}

// decide reads the version before the state, so a write landing in between makes the append fail
// with ErrConcurrencyConflict instead of being based on a stale decision.
func decide(
	ctx context.Context,
	session *eventstore.Session,
	threadID eventstore.StreamID,
	decision func(thread *core.Thread) (any, error),
) error {
	version, err := session.FetchStreamVersion(ctx, threadID)
	if err != nil {
		return err
	}

	if version == 0 {
		return ErrThreadNotFound
	}

	thread, err := eventstore.AggregateStream[core.Thread](ctx, session, threadID)
	if err != nil {
		return err
	}

	event, err := decision(thread)
	if err != nil {
		return err
	}

	if err := session.AppendToStreamExpecting(threadID, version, event); err != nil {
		return err
	}

	return session.SaveChanges(ctx)
}

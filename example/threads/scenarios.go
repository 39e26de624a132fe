package threads

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/eventstore"
	"github.com/AntonStoeckl/tenant-sessions-eventstore-go/example/threads/core"
)

// Scenario names.
const (
	ScenarioSeparateSessions = "separate-sessions"
	ScenarioSessionOfSender  = "session-of-sender"
	ScenarioUnrelatedSession = "unrelated-session"

	unrelatedTenantPostfix = "-unrelated"
	scenarioTopic          = "Order #4711"
	scenarioAuthor         = "Jane Doe"
	scenarioFirstMessage   = "Hello World!"
)

// ScenarioResult is the outcome of one scenario: the thread each side of the conversation can load.
type ScenarioResult struct {
	Name           string
	SenderThread   *core.Thread
	ReceiverThread *core.Thread
	Duration       time.Duration
}

// Scenarios lists every scenario in the order RunScenarios executes them.
func Scenarios() []string {
	return []string{ScenarioSeparateSessions, ScenarioSessionOfSender, ScenarioUnrelatedSession}
}

// RunScenarios starts one thread per side for a sender and a receiver tenant in three ways:
// one session per tenant, a single session opened for the sender and a single session opened
// for a tenant that receives no writes. Each side then loads its thread from a fresh session.
func RunScenarios(ctx context.Context, store *eventstore.Store, sender, receiver eventstore.TenantID) ([]ScenarioResult, error) {
	results := make([]ScenarioResult, 0, len(Scenarios()))

	for _, name := range Scenarios() {
		result, err := RunScenario(ctx, store, name, sender, receiver)
		if err != nil {
			return results, err
		}

		results = append(results, result)
	}

	return results, nil
}

// RunScenario runs the named scenario.
func RunScenario(
	ctx context.Context,
	store *eventstore.Store,
	name string,
	sender, receiver eventstore.TenantID,
) (ScenarioResult, error) {
	started := core.BuildThreadStarted(sender, receiver, scenarioTopic, time.Now(), scenarioAuthor, scenarioFirstMessage)
	senderThreadID := uuid.New()
	receiverThreadID := uuid.New()
	begin := time.Now()

	var err error

	switch name {
	case ScenarioSeparateSessions:
		err = saveInSeparateSessions(ctx, store, started, sender, receiver, senderThreadID, receiverThreadID)
	case ScenarioSessionOfSender:
		err = saveInOneSession(ctx, store.OpenSession(sender), started, sender, receiver, senderThreadID, receiverThreadID)
	case ScenarioUnrelatedSession:
		session := store.OpenSession(sender + unrelatedTenantPostfix)
		err = saveInOneSession(ctx, session, started, sender, receiver, senderThreadID, receiverThreadID)
	default:
		return ScenarioResult{}, fmt.Errorf("unknown scenario %q", name)
	}

	if err != nil {
		return ScenarioResult{}, fmt.Errorf("scenario %s: %w", name, err)
	}

	senderThread, err := eventstore.Load[core.Thread](ctx, store.OpenSession(sender), senderThreadID)
	if err != nil {
		return ScenarioResult{}, fmt.Errorf("scenario %s: load sender thread: %w", name, err)
	}

	receiverThread, err := eventstore.Load[core.Thread](ctx, store.OpenSession(receiver), receiverThreadID)
	if err != nil {
		return ScenarioResult{}, fmt.Errorf("scenario %s: load receiver thread: %w", name, err)
	}

	return ScenarioResult{
		Name:           name,
		SenderThread:   senderThread,
		ReceiverThread: receiverThread,
		Duration:       time.Since(begin),
	}, nil
}

func saveInSeparateSessions(
	ctx context.Context,
	store *eventstore.Store,
	started core.ThreadStarted,
	sender, receiver eventstore.TenantID,
	senderThreadID, receiverThreadID uuid.UUID,
) error {

	senderSession := store.OpenSession(sender)
	receiverSession := store.OpenSession(receiver)

	if err := senderSession.StartStream(senderThreadID, started); err != nil {
		return err
	}

	if err := receiverSession.StartStream(receiverThreadID, started); err != nil {
		return err
	}

	if err := senderSession.SaveChanges(ctx); err != nil {
		return err
	}

	return receiverSession.SaveChanges(ctx)
}

func saveInOneSession(
	ctx context.Context,
	session *eventstore.Session,
	started core.ThreadStarted,
	sender, receiver eventstore.TenantID,
	senderThreadID, receiverThreadID uuid.UUID,
) error {

	if err := session.ForTenant(sender).StartStream(senderThreadID, started); err != nil {
		return err
	}

	if err := session.ForTenant(receiver).StartStream(receiverThreadID, started); err != nil {
		return err
	}

	return session.SaveChanges(ctx)
}

package sessions

import (
	"context"
	"sync"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
	"github.com/deskpilot/deskpilot/infrastructure/logging"
	"github.com/deskpilot/deskpilot/internal/app/adapter"
	"github.com/deskpilot/deskpilot/internal/app/events"
)

// Broker surfaces the assistant's pending tool-permission and ask-user
// prompts and routes responses back through the adapter. Its queues are
// refreshed by the coordinator's poll: items the assistant no longer reports
// drop out automatically.
type Broker struct {
	client adapter.Client
	bus    *events.Bus
	log    *logging.Logger

	mu          sync.Mutex
	permissions map[string]adapter.PermissionRequest
	questions   map[string]adapter.Question
}

func newBroker(client adapter.Client, bus *events.Bus, log *logging.Logger) *Broker {
	return &Broker{
		client:      client,
		bus:         bus,
		log:         log,
		permissions: make(map[string]adapter.PermissionRequest),
		questions:   make(map[string]adapter.Question),
	}
}

// sync refreshes both queues from the adapter.
func (b *Broker) sync(ctx context.Context) {
	perms, err := b.client.PendingPermissions(ctx)
	if err != nil {
		b.log.WithError(err).Debug("permission poll failed")
		return
	}
	questions, err := b.client.PendingQuestions(ctx)
	if err != nil {
		b.log.WithError(err).Debug("question poll failed")
		return
	}

	var newPerms []adapter.PermissionRequest
	var newQuestions []adapter.Question

	b.mu.Lock()
	next := make(map[string]adapter.PermissionRequest, len(perms))
	for _, p := range perms {
		if _, known := b.permissions[p.ID]; !known {
			newPerms = append(newPerms, p)
		}
		next[p.ID] = p
	}
	b.permissions = next

	nextQ := make(map[string]adapter.Question, len(questions))
	for _, q := range questions {
		if _, known := b.questions[q.ID]; !known {
			newQuestions = append(newQuestions, q)
		}
		nextQ[q.ID] = q
	}
	b.questions = nextQ
	b.mu.Unlock()

	for _, p := range newPerms {
		b.emit(events.KindPermissionPending, map[string]interface{}{
			"requestId":      p.ID,
			"conversationId": p.ConversationID,
			"tool":           p.Tool,
			"riskLevel":      p.RiskLevel,
			"expiresAt":      p.ExpiresAt,
		})
	}
	for _, q := range newQuestions {
		b.emit(events.KindQuestionPending, map[string]interface{}{
			"questionId":     q.ID,
			"conversationId": q.ConversationID,
			"text":           q.Text,
		})
	}
}

// ListPending returns the pending permission requests.
func (b *Broker) ListPending() []adapter.PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]adapter.PermissionRequest, 0, len(b.permissions))
	for _, p := range b.permissions {
		out = append(out, p)
	}
	return out
}

// ListQuestions returns the pending ask-user prompts.
func (b *Broker) ListQuestions() []adapter.Question {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]adapter.Question, 0, len(b.questions))
	for _, q := range b.questions {
		out = append(out, q)
	}
	return out
}

// Respond dispatches a permission decision and removes the item.
func (b *Broker) Respond(ctx context.Context, requestID string, decision adapter.PermissionDecision, paramOverride string) error {
	switch decision {
	case adapter.DecisionAllowOnce, adapter.DecisionAllowAlways, adapter.DecisionDeny:
	default:
		return svcerrors.Validation("decision must be allow_once, allow_always, or deny")
	}

	b.mu.Lock()
	req, ok := b.permissions[requestID]
	b.mu.Unlock()
	if !ok {
		return svcerrors.NotFound("permission request", requestID)
	}

	if err := b.client.RespondPermission(ctx, requestID, decision, paramOverride); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.permissions, requestID)
	b.mu.Unlock()

	b.emit(events.KindPermissionResponded, map[string]interface{}{
		"requestId":      requestID,
		"conversationId": req.ConversationID,
		"decision":       string(decision),
	})
	return nil
}

// RespondQuestion dispatches answers to an ask-user prompt.
func (b *Broker) RespondQuestion(ctx context.Context, questionID string, answers []string) error {
	b.mu.Lock()
	q, ok := b.questions[questionID]
	b.mu.Unlock()
	if !ok {
		return svcerrors.NotFound("question", questionID)
	}
	if len(answers) == 0 {
		return svcerrors.MissingParameter("answers")
	}

	if err := b.client.RespondQuestion(ctx, questionID, answers); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.questions, questionID)
	b.mu.Unlock()

	b.emit(events.KindQuestionAnswered, map[string]interface{}{
		"questionId":     questionID,
		"conversationId": q.ConversationID,
	})
	return nil
}

func (b *Broker) emit(kind events.Kind, payload map[string]interface{}) {
	if b.bus != nil {
		b.bus.Emit(kind, payload)
	}
}

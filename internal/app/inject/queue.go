package inject

import (
	"context"
	"fmt"
	"time"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
)

// QueuedItem is one deferred injection.
type QueuedItem struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	QueuedAt       time.Time `json:"queuedAt"`
}

// QueueInject appends text to the conversation's queue and returns the queued item.
func (e *Engine) QueueInject(conversationID, text string) (QueuedItem, error) {
	if text == "" {
		return QueuedItem{}, svcerrors.MissingParameter("message")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextQueue++
	item := QueuedItem{
		ID:             fmt.Sprintf("q-%d", e.nextQueue),
		ConversationID: conversationID,
		Text:           text,
		QueuedAt:       time.Now(),
	}
	e.queues[conversationID] = append(e.queues[conversationID], item)
	return item, nil
}

// Queue returns a copy of the pending items for conversationID.
func (e *Engine) Queue(conversationID string) []QueuedItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]QueuedItem(nil), e.queues[conversationID]...)
}

// RemoveQueued deletes one queued item by id, searching every conversation.
func (e *Engine) RemoveQueued(itemID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for conv, items := range e.queues {
		for i, item := range items {
			if item.ID == itemID {
				e.queues[conv] = append(items[:i], items[i+1:]...)
				return nil
			}
		}
	}
	return svcerrors.NotFound("queued injection", itemID)
}

// DrainQueue injects queued items for conversationID in order, waiting the
// configured inter-item delay between them. Draining stops on the first
// failure; the failed item stays at the head of the queue.
func (e *Engine) DrainQueue(ctx context.Context, conversationID string) (int, error) {
	drained := 0
	for {
		e.mu.Lock()
		items := e.queues[conversationID]
		if len(items) == 0 {
			e.mu.Unlock()
			return drained, nil
		}
		item := items[0]
		e.mu.Unlock()

		if _, err := e.Inject(ctx, item.ConversationID, item.Text); err != nil {
			return drained, err
		}

		e.mu.Lock()
		// Re-check the head: RemoveQueued may have run while injecting.
		if items := e.queues[conversationID]; len(items) > 0 && items[0].ID == item.ID {
			e.queues[conversationID] = items[1:]
		}
		remaining := len(e.queues[conversationID])
		e.mu.Unlock()
		drained++

		if remaining == 0 {
			return drained, nil
		}
		select {
		case <-ctx.Done():
			return drained, svcerrors.Timeout("queue drain", ctx.Err())
		case <-time.After(e.cfg.QueueDelay):
		}
	}
}

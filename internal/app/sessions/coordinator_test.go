package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/deskpilot/deskpilot/internal/app/adapter"
	"github.com/deskpilot/deskpilot/internal/app/adapter/adaptertest"
	"github.com/deskpilot/deskpilot/internal/app/events"
	"github.com/deskpilot/deskpilot/internal/app/inject"
)

func newTestCoordinator(fake *adaptertest.Fake, bus *events.Bus) *Coordinator {
	injector := inject.NewEngine(inject.Config{RetryDelay: time.Millisecond}, fake, bus, nil)
	return NewCoordinator(Config{
		CacheTTL:         50 * time.Millisecond,
		ListInterval:     10 * time.Millisecond,
		IdleListInterval: 10 * time.Millisecond,
	}, fake, injector, bus, nil)
}

func TestListHidesWorkerConversations(t *testing.T) {
	fake := adaptertest.New()
	fake.AddConversation(adapter.ConversationInfo{ID: "visible-1"})
	fake.AddConversation(adapter.ConversationInfo{ID: HiddenPrefix + "orch-t1"})

	c := newTestCoordinator(fake, nil)
	ctx := context.Background()

	visible := c.List(ctx, false)
	if len(visible) != 1 || visible[0].ID != "visible-1" {
		t.Fatalf("List(false) = %+v, want only visible-1", visible)
	}

	all := c.List(ctx, true)
	if len(all) != 2 {
		t.Fatalf("List(true) len = %d, want 2", len(all))
	}
}

func TestGetServesFromCache(t *testing.T) {
	fake := adaptertest.New()
	fake.AddConversation(adapter.ConversationInfo{ID: "c1"})
	fake.AppendMessage("c1", adapter.Message{Role: adapter.RoleUser, Content: "hello"})

	c := newTestCoordinator(fake, nil)
	ctx := context.Background()
	c.pollOnce(ctx)

	_, hit, err := c.Get(ctx, "c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("first Get() reported a cache hit")
	}

	// A message appended behind the cache is invisible until TTL expiry.
	fake.AppendMessage("c1", adapter.Message{Role: adapter.RoleAssistant, Content: "hi"})
	detail, hit, err := c.Get(ctx, "c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Error("second Get() missed the cache")
	}
	if len(detail.Messages) != 1 {
		t.Errorf("cached messages = %d, want 1", len(detail.Messages))
	}

	time.Sleep(60 * time.Millisecond)
	detail, hit, _ = c.Get(ctx, "c1", 0, 10)
	if hit {
		t.Error("Get() after TTL still hit the cache")
	}
	if len(detail.Messages) != 2 {
		t.Errorf("messages after TTL = %d, want 2", len(detail.Messages))
	}
}

func TestGetPaginatesFromEnd(t *testing.T) {
	fake := adaptertest.New()
	fake.AddConversation(adapter.ConversationInfo{ID: "c1"})
	for _, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		fake.AppendMessage("c1", adapter.Message{Role: adapter.RoleUser, Content: content})
	}

	c := newTestCoordinator(fake, nil)
	ctx := context.Background()
	c.pollOnce(ctx)

	// offset 0, limit 2 → the two newest.
	detail, _, err := c.Get(ctx, "c1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(detail.Messages) != 2 || detail.Messages[0].Content != "m4" || detail.Messages[1].Content != "m5" {
		t.Fatalf("window = %+v, want m4,m5", detail.Messages)
	}

	// offset 2, limit 2 → the two before those.
	detail, _, _ = c.Get(ctx, "c1", 2, 2)
	if len(detail.Messages) != 2 || detail.Messages[0].Content != "m2" || detail.Messages[1].Content != "m3" {
		t.Fatalf("window = %+v, want m2,m3", detail.Messages)
	}

	if detail.TotalMessages != 5 {
		t.Errorf("total = %d, want 5", detail.TotalMessages)
	}
}

func TestSendMessageInvalidatesCache(t *testing.T) {
	fake := adaptertest.New()
	fake.AddConversation(adapter.ConversationInfo{ID: "c1"})
	fake.AppendMessage("c1", adapter.Message{Role: adapter.RoleUser, Content: "m1"})

	c := newTestCoordinator(fake, nil)
	ctx := context.Background()
	c.pollOnce(ctx)

	if _, _, err := c.Get(ctx, "c1", 0, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SendMessage(ctx, "c1", "injected"); err != nil {
		t.Fatal(err)
	}
	detail, hit, err := c.Get(ctx, "c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("Get() after SendMessage hit a stale cache")
	}
	if len(detail.Messages) != 2 {
		t.Errorf("messages = %d, want 2 (original + injected)", len(detail.Messages))
	}
}

func TestArchiveIdempotent(t *testing.T) {
	fake := adaptertest.New()
	fake.AddConversation(adapter.ConversationInfo{ID: "c1"})

	c := newTestCoordinator(fake, nil)
	ctx := context.Background()
	c.pollOnce(ctx)

	if err := c.Archive(ctx, "c1"); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if c.Exists("c1") {
		t.Error("conversation still known after archive")
	}
	// Archiving an archived conversation is a no-op, not an error.
	if err := c.Archive(ctx, "c1"); err != nil {
		t.Fatalf("second Archive() error = %v", err)
	}
}

func TestStatusDerivation(t *testing.T) {
	cases := []struct {
		info adapter.ConversationInfo
		want Status
	}{
		{adapter.ConversationInfo{Thinking: true}, StatusThinking},
		{adapter.ConversationInfo{Thinking: true, PromptActive: true}, StatusThinking},
		{adapter.ConversationInfo{PromptActive: true}, StatusWaitingInput},
		{adapter.ConversationInfo{}, StatusIdle},
	}
	for _, tc := range cases {
		if got := deriveStatus(tc.info); got != tc.want {
			t.Errorf("deriveStatus(%+v) = %s, want %s", tc.info, got, tc.want)
		}
	}
}

func TestStatusChangeIsEdgeTriggered(t *testing.T) {
	bus := events.NewBus(64, nil)
	sub, cancel := bus.Subscribe()
	defer cancel()

	fake := adaptertest.New()
	fake.AddConversation(adapter.ConversationInfo{ID: "c1"})

	c := newTestCoordinator(fake, bus)
	ctx := context.Background()
	c.pollOnce(ctx)

	// Same state twice: no transition events.
	c.pollOnce(ctx)
	select {
	case ev := <-sub:
		if ev.Type == events.KindSessionStatusChanged {
			t.Fatalf("status change emitted without a transition: %+v", ev)
		}
	default:
	}

	fake.SetThinking("c1", true)
	c.pollOnce(ctx)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.KindSessionStatusChanged {
				if ev.Payload["to"] != string(StatusThinking) {
					t.Fatalf("transition payload = %+v", ev.Payload)
				}
				return
			}
		case <-deadline:
			t.Fatal("no status-change event after transition")
		}
	}
}

func TestBrokerRespondsAndDrops(t *testing.T) {
	fake := adaptertest.New()
	fake.AddConversation(adapter.ConversationInfo{ID: "c1"})
	fake.SetPermissions([]adapter.PermissionRequest{
		{ID: "p1", ConversationID: "c1", Tool: "shell", RiskLevel: "high"},
	})

	c := newTestCoordinator(fake, nil)
	broker := c.Broker()
	ctx := context.Background()
	c.pollOnce(ctx)

	pending := broker.ListPending()
	if len(pending) != 1 || pending[0].ID != "p1" {
		t.Fatalf("pending = %+v, want p1", pending)
	}

	if err := broker.Respond(ctx, "p1", adapter.DecisionAllowOnce, ""); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if len(broker.ListPending()) != 0 {
		t.Error("pending queue not drained after response")
	}

	// Unknown ids and bad decisions are rejected.
	if err := broker.Respond(ctx, "ghost", adapter.DecisionDeny, ""); err == nil {
		t.Error("Respond(ghost) succeeded")
	}
	fake.SetPermissions([]adapter.PermissionRequest{{ID: "p2", ConversationID: "c1"}})
	c.pollOnce(ctx)
	if err := broker.Respond(ctx, "p2", adapter.PermissionDecision("shrug"), ""); err == nil {
		t.Error("Respond() with invalid decision succeeded")
	}
}

func TestBrokerAutoDropsUnreportedItems(t *testing.T) {
	fake := adaptertest.New()
	fake.AddConversation(adapter.ConversationInfo{ID: "c1"})
	fake.SetPermissions([]adapter.PermissionRequest{{ID: "p1", ConversationID: "c1"}})

	c := newTestCoordinator(fake, nil)
	ctx := context.Background()
	c.pollOnce(ctx)
	if len(c.Broker().ListPending()) != 1 {
		t.Fatal("permission not picked up")
	}

	// The assistant stops reporting it; the broker drops it on the next poll.
	fake.SetPermissions(nil)
	c.pollOnce(ctx)
	if len(c.Broker().ListPending()) != 0 {
		t.Error("stale permission survived the poll")
	}
}

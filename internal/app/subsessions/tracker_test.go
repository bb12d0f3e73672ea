package subsessions

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/deskpilot/deskpilot/internal/app/adapter"
	"github.com/deskpilot/deskpilot/internal/app/adapter/adaptertest"
	"github.com/deskpilot/deskpilot/internal/app/inject"
	"github.com/deskpilot/deskpilot/internal/app/sessions"
)

func newTestTracker(fake *adaptertest.Fake) (*Tracker, *sessions.Coordinator) {
	injector := inject.NewEngine(inject.Config{RetryDelay: time.Millisecond}, fake, nil, nil)
	coordinator := sessions.NewCoordinator(sessions.Config{CacheTTL: time.Millisecond}, fake, injector, nil, nil)
	tracker := NewTracker(Config{
		PollInterval:    10 * time.Millisecond,
		CompletingAfter: 30 * time.Millisecond,
		CompletedAfter:  30 * time.Millisecond,
		AutoLinkWindow:  time.Second,
	}, coordinator, injector, nil, nil)
	return tracker, coordinator
}

func seedPair(fake *adaptertest.Fake) {
	fake.AddConversation(adapter.ConversationInfo{ID: "parent"})
	fake.AddConversation(adapter.ConversationInfo{ID: "child"})
}

func TestLinkAndList(t *testing.T) {
	fake := adaptertest.New()
	seedPair(fake)
	tracker, _ := newTestTracker(fake)

	link, err := tracker.Link("child", "parent", "tool-1")
	if err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	if link.Status != LinkActive {
		t.Errorf("status = %s, want active", link.Status)
	}
	if len(tracker.List()) != 1 {
		t.Error("List() missing the link")
	}

	if _, err := tracker.Link("child", "parent", ""); err == nil {
		t.Error("duplicate Link() succeeded")
	}
	if _, err := tracker.Link("x", "x", ""); err == nil {
		t.Error("self-link succeeded")
	}
}

func TestInactivityLiftsResultIntoParent(t *testing.T) {
	fake := adaptertest.New()
	seedPair(fake)
	fake.AppendMessage("child", adapter.Message{
		Role:      adapter.RoleAssistant,
		Content:   "final answer",
		Timestamp: time.Now().Add(-time.Hour),
	})

	tracker, coordinator := newTestTracker(fake)
	ctx := context.Background()
	coordinator.List(ctx, true)

	if _, err := tracker.Link("child", "parent", ""); err != nil {
		t.Fatal(err)
	}

	// Force the link's activity clock into the past, then poll twice to walk
	// active → completing → completed.
	tracker.mu.Lock()
	tracker.links["child"].LastActivity = time.Now().Add(-time.Hour)
	tracker.mu.Unlock()

	tracker.pollLinks(ctx)
	if link, _ := tracker.Get("child"); link.Status != LinkCompleting {
		t.Fatalf("after first poll status = %s, want completing", link.Status)
	}

	tracker.pollLinks(ctx)
	link, _ := tracker.Get("child")
	if link.Status != LinkReturned {
		t.Fatalf("after second poll status = %s, want returned", link.Status)
	}

	msgs, _ := fake.GetTranscript(ctx, "parent")
	if len(msgs) != 1 {
		t.Fatalf("parent transcript = %d messages, want the lifted result", len(msgs))
	}
	if !strings.HasPrefix(msgs[0].Content, resultMarker) {
		t.Errorf("lifted content = %q, want %q prefix", msgs[0].Content, resultMarker)
	}
	if !strings.Contains(msgs[0].Content, "final answer") {
		t.Errorf("lifted content = %q, want the child's final reply", msgs[0].Content)
	}
}

func TestMissingParentOrphansLink(t *testing.T) {
	fake := adaptertest.New()
	fake.AddConversation(adapter.ConversationInfo{ID: "child"})
	fake.AppendMessage("child", adapter.Message{
		Role: adapter.RoleAssistant, Content: "reply", Timestamp: time.Now().Add(-time.Hour),
	})

	tracker, coordinator := newTestTracker(fake)
	ctx := context.Background()
	coordinator.List(ctx, true)

	if _, err := tracker.Link("child", "gone-parent", ""); err != nil {
		t.Fatal(err)
	}
	tracker.mu.Lock()
	tracker.links["child"].LastActivity = time.Now().Add(-time.Hour)
	tracker.mu.Unlock()

	tracker.pollLinks(ctx)
	tracker.pollLinks(ctx)

	link, _ := tracker.Get("child")
	if link.Status != LinkOrphaned {
		t.Fatalf("status = %s, want orphaned", link.Status)
	}
}

func TestFreshActivityResetsWindDown(t *testing.T) {
	fake := adaptertest.New()
	seedPair(fake)
	tracker, coordinator := newTestTracker(fake)
	ctx := context.Background()
	coordinator.List(ctx, true)

	if _, err := tracker.Link("child", "parent", ""); err != nil {
		t.Fatal(err)
	}
	tracker.mu.Lock()
	tracker.links["child"].LastActivity = time.Now().Add(-time.Hour)
	tracker.mu.Unlock()

	tracker.pollLinks(ctx)
	if link, _ := tracker.Get("child"); link.Status != LinkCompleting {
		t.Fatalf("status = %s, want completing", link.Status)
	}

	// The child speaks again: back to active.
	fake.AppendMessage("child", adapter.Message{Role: adapter.RoleAssistant, Content: "more work"})
	tracker.pollLinks(ctx)
	if link, _ := tracker.Get("child"); link.Status != LinkActive {
		t.Fatalf("status = %s, want active after fresh output", link.Status)
	}
}

func TestAutoDetectLinksRecentSpawn(t *testing.T) {
	fake := adaptertest.New()
	fake.AddConversation(adapter.ConversationInfo{ID: "parent"})

	tracker, coordinator := newTestTracker(fake)
	ctx := context.Background()
	coordinator.List(ctx, true)

	// Baseline scan so "parent" is known, then a tool spawn and a fresh
	// conversation inside the window.
	tracker.autoDetect(ctx)
	tracker.NoteToolSpawn("parent")
	fake.AddConversation(adapter.ConversationInfo{ID: "spawned"})
	coordinator.Refresh(ctx)
	tracker.autoDetect(ctx)

	link, err := tracker.Get("spawned")
	if err != nil {
		t.Fatalf("spawned conversation was not auto-linked: %v", err)
	}
	if link.ParentID != "parent" {
		t.Errorf("parent = %q, want parent", link.ParentID)
	}
}

func TestUnlink(t *testing.T) {
	fake := adaptertest.New()
	seedPair(fake)
	tracker, _ := newTestTracker(fake)

	if _, err := tracker.Link("child", "parent", ""); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Unlink("child"); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Unlink("child"); err == nil {
		t.Error("second Unlink() succeeded")
	}
}

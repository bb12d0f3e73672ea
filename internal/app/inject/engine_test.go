package inject

import (
	"context"
	"sync"
	"testing"
	"time"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
	"github.com/deskpilot/deskpilot/internal/app/adapter"
	"github.com/deskpilot/deskpilot/internal/app/adapter/adaptertest"
	"github.com/deskpilot/deskpilot/internal/app/events"
)

func newTestEngine(fake *adaptertest.Fake, bus *events.Bus) *Engine {
	return NewEngine(Config{
		PreferredMethod: MethodCDPEval,
		RetryDelay:      time.Millisecond,
		QueueDelay:      time.Millisecond,
	}, fake, bus, nil)
}

func TestConcurrentInjectsAllDelivered(t *testing.T) {
	fake := adaptertest.New()
	fake.AddConversation(adapter.ConversationInfo{ID: "c1"})
	e := newTestEngine(fake, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Inject(ctx, "c1", "msg")
		}()
	}
	wg.Wait()

	msgs, _ := fake.GetTranscript(ctx, "c1")
	if len(msgs) != 5 {
		t.Fatalf("delivered %d messages, want 5", len(msgs))
	}
}

func TestInjectRecordsMethodStats(t *testing.T) {
	fake := adaptertest.New()
	fake.AddConversation(adapter.ConversationInfo{ID: "c1"})
	e := newTestEngine(fake, nil)

	if _, err := e.Inject(context.Background(), "c1", "hello"); err != nil {
		t.Fatal(err)
	}
	stats := e.Stats()
	if stats[MethodCDPEval].Success != 1 {
		t.Errorf("cdp-eval successes = %d, want 1", stats[MethodCDPEval].Success)
	}
	if e.BestMethod() != MethodCDPEval {
		t.Errorf("BestMethod() = %s, want cdp-eval", e.BestMethod())
	}
}

func TestInjectUnavailableAdapter(t *testing.T) {
	fake := adaptertest.New()
	fake.SetUnavailable("endpoint down")
	e := newTestEngine(fake, nil)

	_, err := e.Inject(context.Background(), "", "hello")
	if !svcerrors.IsCode(err, svcerrors.ErrCodeUnavailable) {
		t.Fatalf("err = %v, want Unavailable", err)
	}
}

func TestInjectEmptyMessage(t *testing.T) {
	fake := adaptertest.New()
	e := newTestEngine(fake, nil)
	if _, err := e.Inject(context.Background(), "", ""); err == nil {
		t.Fatal("Inject(\"\") succeeded")
	}
}

func TestConfigureRejectsUnknownMethod(t *testing.T) {
	e := newTestEngine(adaptertest.New(), nil)
	if err := e.Configure(Method("telepathy")); err == nil {
		t.Fatal("Configure(telepathy) succeeded")
	}
	if err := e.Configure(MethodCDPPaste); err != nil {
		t.Fatalf("Configure(cdp-paste) error = %v", err)
	}
	if e.PreferredMethod() != MethodCDPPaste {
		t.Errorf("preferred = %s, want cdp-paste", e.PreferredMethod())
	}
}

func TestInjectionEvents(t *testing.T) {
	bus := events.NewBus(64, nil)
	sub, cancel := bus.Subscribe()
	defer cancel()

	fake := adaptertest.New()
	fake.AddConversation(adapter.ConversationInfo{ID: "c1"})
	e := newTestEngine(fake, bus)

	if _, err := e.Inject(context.Background(), "c1", "hi"); err != nil {
		t.Fatal(err)
	}

	seen := map[events.Kind]bool{}
	deadline := time.After(time.Second)
	for !(seen[events.KindInjectionStarted] && seen[events.KindInjectionSuccess] && seen[events.KindMessageInjected]) {
		select {
		case ev := <-sub:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("missing injection events, saw %v", seen)
		}
	}
}

func TestQueueDrainsInOrder(t *testing.T) {
	fake := adaptertest.New()
	fake.AddConversation(adapter.ConversationInfo{ID: "c1"})
	e := newTestEngine(fake, nil)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		if _, err := e.QueueInject("c1", text); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(e.Queue("c1")); got != 3 {
		t.Fatalf("queue length = %d, want 3", got)
	}

	drained, err := e.DrainQueue(ctx, "c1")
	if err != nil {
		t.Fatalf("DrainQueue() error = %v", err)
	}
	if drained != 3 {
		t.Errorf("drained = %d, want 3", drained)
	}

	msgs, _ := fake.GetTranscript(ctx, "c1")
	var contents []string
	for _, m := range msgs {
		contents = append(contents, m.Content)
	}
	want := []string{"one", "two", "three"}
	for i := range want {
		if contents[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", contents, want)
		}
	}
	if len(e.Queue("c1")) != 0 {
		t.Error("queue not empty after drain")
	}
}

func TestRemoveQueuedItem(t *testing.T) {
	e := newTestEngine(adaptertest.New(), nil)
	item, err := e.QueueInject("c1", "text")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.RemoveQueued(item.ID); err != nil {
		t.Fatalf("RemoveQueued() error = %v", err)
	}
	if err := e.RemoveQueued(item.ID); !svcerrors.IsCode(err, svcerrors.ErrCodeNotFound) {
		t.Errorf("second RemoveQueued() error = %v, want NotFound", err)
	}
}

package events

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(8, nil)
	defer bus.Close()

	a, cancelA := bus.Subscribe()
	defer cancelA()
	b, cancelB := bus.Subscribe()
	defer cancelB()

	bus.Emit(KindSessionSwitched, map[string]interface{}{"conversationId": "c1"})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Type != KindSessionSwitched {
				t.Errorf("%s received %s", name, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s received nothing", name)
		}
	}
}

func TestFullSubscriberDropsNotBlocks(t *testing.T) {
	bus := NewBus(1, nil)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(KindPing, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	// Exactly one event fit the buffer.
	if len(ch) != 1 {
		t.Errorf("buffered events = %d, want 1", len(ch))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(8, nil)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()
	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Emit(KindPing, nil)
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus(8, nil)
	ch, _ := bus.Subscribe()
	bus.Close()
	bus.Close()
	if _, open := <-ch; open {
		t.Error("channel open after bus close")
	}
	bus.Emit(KindPing, nil)
}

func TestWireFormFlattensPayload(t *testing.T) {
	ev := New(KindInjectionSuccess, map[string]interface{}{"method": "cdp-eval"})
	wire := ev.WireForm()
	if wire["type"] != "injection-success" {
		t.Errorf("type = %v", wire["type"])
	}
	if wire["method"] != "cdp-eval" {
		t.Errorf("method = %v", wire["method"])
	}
	if _, ok := wire["timestamp"].(string); !ok {
		t.Error("timestamp missing or not a string")
	}
}

func TestSecurityWhitelist(t *testing.T) {
	for _, kind := range []Kind{KindSecurityAlert, KindSecurityIPBlocked, KindGlobalLockdown, KindSecurityLoginFailed, KindShutdown} {
		if !IsSecurity(kind) {
			t.Errorf("IsSecurity(%s) = false", kind)
		}
	}
	for _, kind := range []Kind{KindConnected, KindMessageInjected, KindOrchestratorCreated, KindWorkerProgress} {
		if IsSecurity(kind) {
			t.Errorf("IsSecurity(%s) = true", kind)
		}
	}
}

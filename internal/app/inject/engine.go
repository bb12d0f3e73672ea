// Package inject delivers user text into assistant conversations, trying a
// prioritised chain of actuation strategies with retry and method fallback.
package inject

import (
	"context"
	"fmt"
	"sync"
	"time"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
	"github.com/deskpilot/deskpilot/infrastructure/logging"
	"github.com/deskpilot/deskpilot/internal/app/adapter"
	"github.com/deskpilot/deskpilot/internal/app/events"
	"github.com/deskpilot/deskpilot/internal/app/metrics"
)

// Config tunes the engine.
type Config struct {
	PreferredMethod Method
	RetryDelay      time.Duration
	QueueDelay      time.Duration
	TmuxTarget      string
}

// MethodStats tracks per-method outcomes.
type MethodStats struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// Engine owns injection into conversations. Injections into the same
// conversation are strictly serialised; different conversations may inject
// concurrently (subject to the adapter's own write serialisation).
type Engine struct {
	client adapter.Client
	bus    *events.Bus
	log    *logging.Logger

	mu        sync.Mutex
	cfg       Config
	convLocks map[string]*sync.Mutex
	counters  map[Method]*MethodStats
	queues    map[string][]QueuedItem
	nextQueue int

	strategies map[Method]Strategy
}

// NewEngine builds the engine with the full platform strategy set.
func NewEngine(cfg Config, client adapter.Client, bus *events.Bus, log *logging.Logger) *Engine {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.QueueDelay <= 0 {
		cfg.QueueDelay = time.Second
	}
	if cfg.PreferredMethod == "" {
		cfg.PreferredMethod = MethodCDPEval
	}
	if log == nil {
		log = logging.NewNop()
	}

	e := &Engine{
		client:    client,
		bus:       bus,
		log:       log,
		cfg:       cfg,
		convLocks: make(map[string]*sync.Mutex),
		counters:  make(map[Method]*MethodStats),
		queues:    make(map[string][]QueuedItem),
	}
	e.strategies = map[Method]Strategy{
		MethodCDPEval:   &cdpEvalStrategy{client: client},
		MethodCDPPaste:  &cdpPasteStrategy{client: client},
		MethodOSKeys:    &osKeysStrategy{},
		MethodTmux:      &tmuxStrategy{target: cfg.TmuxTarget},
		MethodGUIScript: &guiScriptStrategy{},
		MethodClipboard: &clipboardStrategy{},
	}
	for _, m := range fallbackOrder() {
		e.counters[m] = &MethodStats{}
	}
	return e
}

// lockFor returns the per-conversation mutex, creating it on first use.
func (e *Engine) lockFor(conversationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.convLocks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		e.convLocks[conversationID] = l
	}
	return l
}

// chain returns the strategy order for this run: the preferred method first,
// then the platform fallback list with the preferred method removed.
func (e *Engine) chain() []Method {
	e.mu.Lock()
	preferred := e.cfg.PreferredMethod
	e.mu.Unlock()

	out := []Method{preferred}
	for _, m := range fallbackOrder() {
		if m != preferred {
			out = append(out, m)
		}
	}
	return out
}

// Inject delivers text into conversationID (empty means the active
// conversation). It returns the method that succeeded.
func (e *Engine) Inject(ctx context.Context, conversationID, text string) (Method, error) {
	if text == "" {
		return "", svcerrors.MissingParameter("message")
	}

	if avail := e.client.AvailabilityCheck(ctx); !avail.Available {
		return "", svcerrors.Unavailable(avail.Reason, nil)
	}

	lockKey := conversationID
	if lockKey == "" {
		lockKey = "_active"
	}
	lock := e.lockFor(lockKey)
	lock.Lock()
	defer lock.Unlock()

	if conversationID != "" {
		if err := e.client.SwitchConversation(ctx, conversationID); err != nil {
			return "", err
		}
	}

	e.emit(events.KindInjectionStarted, map[string]interface{}{
		"conversationId": conversationID,
	})

	started := time.Now()
	var tried []string
	var lastErr error

	for i, method := range e.chain() {
		strategy := e.strategies[method]
		if strategy == nil || !strategy.Available() {
			continue
		}
		if i > 0 && len(tried) > 0 {
			select {
			case <-ctx.Done():
				return "", svcerrors.Timeout("injection", ctx.Err())
			case <-time.After(e.cfg.RetryDelay):
			}
		}

		tried = append(tried, string(method))
		err := strategy.Send(ctx, text)
		if err == nil {
			e.recordOutcome(method, true)
			e.emit(events.KindInjectionSuccess, map[string]interface{}{
				"conversationId": conversationID,
				"method":         string(method),
				"durationMs":     time.Since(started).Milliseconds(),
			})
			e.emit(events.KindMessageInjected, map[string]interface{}{
				"conversationId": conversationID,
				"method":         string(method),
			})
			return method, nil
		}

		lastErr = err
		e.recordOutcome(method, false)
		e.emit(events.KindInjectionError, map[string]interface{}{
			"conversationId": conversationID,
			"method":         string(method),
			"error":          err.Error(),
		})
		e.log.WithField("method", string(method)).WithError(err).Debug("injection strategy failed")
	}

	e.emit(events.KindInjectionFailed, map[string]interface{}{
		"conversationId": conversationID,
		"tried":          tried,
		"error":          errString(lastErr),
	})
	return "", svcerrors.NoStrategyAvailable(tried, lastErr)
}

// Configure changes the preferred method.
func (e *Engine) Configure(preferred Method) error {
	if _, ok := e.strategies[preferred]; !ok {
		return svcerrors.Validation(fmt.Sprintf("unknown injection method: %s", preferred))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.PreferredMethod = preferred
	return nil
}

// PreferredMethod returns the configured preference.
func (e *Engine) PreferredMethod() Method {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.PreferredMethod
}

// Stats returns a copy of the per-method counters.
func (e *Engine) Stats() map[Method]MethodStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Method]MethodStats, len(e.counters))
	for m, s := range e.counters {
		out[m] = *s
	}
	return out
}

// BestMethod returns the method with the highest success count, preferring
// earlier fallback-order entries on ties.
func (e *Engine) BestMethod() Method {
	e.mu.Lock()
	defer e.mu.Unlock()

	best := e.cfg.PreferredMethod
	bestScore := -1
	for _, m := range fallbackOrder() {
		s, ok := e.counters[m]
		if !ok {
			continue
		}
		if s.Success > bestScore {
			best = m
			bestScore = s.Success
		}
	}
	return best
}

// AvailableMethods lists strategies usable on this host right now.
func (e *Engine) AvailableMethods() []Method {
	var out []Method
	for _, m := range fallbackOrder() {
		if s := e.strategies[m]; s != nil && s.Available() {
			out = append(out, m)
		}
	}
	return out
}

func (e *Engine) recordOutcome(method Method, ok bool) {
	metrics.RecordInjection(string(method), ok)
	e.mu.Lock()
	defer e.mu.Unlock()
	stats, exists := e.counters[method]
	if !exists {
		stats = &MethodStats{}
		e.counters[method] = stats
	}
	if ok {
		stats.Success++
	} else {
		stats.Failure++
	}
}

func (e *Engine) emit(kind events.Kind, payload map[string]interface{}) {
	if e.bus != nil {
		e.bus.Emit(kind, payload)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

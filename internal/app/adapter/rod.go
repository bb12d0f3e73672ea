package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/tidwall/gjson"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
	"github.com/deskpilot/deskpilot/infrastructure/logging"
	"github.com/deskpilot/deskpilot/infrastructure/resilience"
	"github.com/deskpilot/deskpilot/internal/app/events"
	"github.com/deskpilot/deskpilot/internal/app/metrics"
)

// Config tunes the rod-backed adapter.
type Config struct {
	// DebuggerURL is the assistant's remote-debugging HTTP endpoint.
	DebuggerURL string
	// CallTimeout is the per-call deadline applied when the caller's context
	// carries none.
	CallTimeout time.Duration
}

// RodClient drives the assistant over the remote-debugging endpoint using
// go-rod. Writes are serialised by a single mutex; the underlying transport
// multiplexes command ids for us.
type RodClient struct {
	cfg Config
	log *logging.Logger
	bus *events.Bus

	mu        sync.Mutex
	browser   *rod.Browser
	page      *rod.Page
	lastPages int
}

var _ Client = (*RodClient)(nil)

// NewRodClient builds the adapter. No connection is made until first use.
func NewRodClient(cfg Config, bus *events.Bus, log *logging.Logger) *RodClient {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &RodClient{cfg: cfg, log: log, bus: bus}
}

// withDeadline guarantees every external call carries a deadline.
func (c *RodClient) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

// ensurePage attaches to the assistant page, re-attaching with exponential
// backoff after transport failures. Callers must hold c.mu.
func (c *RodClient) ensurePage(ctx context.Context) error {
	if c.page != nil {
		return nil
	}

	attach := func() error {
		metrics.RecordAdapterReattach()
		wsURL, err := launcher.ResolveURL(c.cfg.DebuggerURL)
		if err != nil {
			return fmt.Errorf("resolve debugger url: %w", err)
		}
		browser := rod.New().ControlURL(wsURL).Context(ctx)
		if err := browser.Connect(); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		pages, err := browser.Pages()
		if err != nil {
			browser.Close()
			return fmt.Errorf("enumerate pages: %w", err)
		}
		var target *rod.Page
		for _, p := range pages {
			info, err := p.Info()
			if err != nil {
				continue
			}
			if strings.HasPrefix(info.URL, "devtools://") {
				continue
			}
			target = p
			break
		}
		if target == nil {
			browser.Close()
			return fmt.Errorf("no attachable page at %s", c.cfg.DebuggerURL)
		}

		c.browser = browser
		c.page = target
		if len(pages) != c.lastPages {
			c.lastPages = len(pages)
			c.emit(events.KindConnectionCountChanged, map[string]interface{}{"count": len(pages)})
		}
		c.emit(events.KindConnectionsDetected, map[string]interface{}{"count": len(pages)})
		return nil
	}

	err := resilience.Retry(ctx, resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}, attach)
	if err != nil {
		return svcerrors.Unavailable("no reachable remote-debugging target", err)
	}
	return nil
}

// dropConnection forgets the current attachment so the next call re-attaches.
// Callers must hold c.mu.
func (c *RodClient) dropConnection() {
	if c.browser != nil {
		_ = c.browser.Close()
	}
	c.browser = nil
	c.page = nil
}

// eval runs a probe on the assistant page and returns its string result.
func (c *RodClient) eval(ctx context.Context, js string, args ...interface{}) (string, error) {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensurePage(ctx); err != nil {
		return "", err
	}

	obj, err := c.page.Context(ctx).Eval(js, args...)
	if err != nil {
		c.dropConnection()
		if ctx.Err() != nil {
			return "", svcerrors.Timeout("adapter call", err)
		}
		return "", svcerrors.Unavailable("evaluate failed", err)
	}
	return obj.Value.Str(), nil
}

// Evaluate exposes raw expression evaluation (used by the injection engine).
func (c *RodClient) Evaluate(ctx context.Context, expression string) (string, error) {
	return c.eval(ctx, expression)
}

// ListConversations enumerates the assistant's conversations.
func (c *RodClient) ListConversations(ctx context.Context) ([]ConversationInfo, error) {
	raw, err := c.eval(ctx, probeListConversations)
	if err != nil {
		return nil, err
	}
	var out []ConversationInfo
	gjson.Parse(raw).ForEach(func(_, item gjson.Result) bool {
		out = append(out, ConversationInfo{
			ID:            item.Get("id").String(),
			CWD:           item.Get("cwd").String(),
			Title:         item.Get("title").String(),
			LastActivity:  epochMillis(item.Get("lastActivity").Int()),
			MessageCount:  int(item.Get("messageCount").Int()),
			ContextTokens: int(item.Get("contextTokens").Int()),
			Thinking:      item.Get("thinking").Bool(),
			PromptActive:  item.Get("promptActive").Bool(),
		})
		return true
	})
	return out, nil
}

// GetTranscript reads the full message sequence of one conversation.
func (c *RodClient) GetTranscript(ctx context.Context, conversationID string) ([]Message, error) {
	raw, err := c.eval(ctx, probeTranscript, conversationID)
	if err != nil {
		return nil, err
	}
	var out []Message
	gjson.Parse(raw).ForEach(func(_, item gjson.Result) bool {
		out = append(out, Message{
			Role:      Role(item.Get("role").String()),
			Content:   item.Get("content").String(),
			Timestamp: epochMillis(item.Get("timestamp").Int()),
		})
		return true
	})
	return out, nil
}

// SwitchConversation makes conversationID the active conversation.
func (c *RodClient) SwitchConversation(ctx context.Context, conversationID string) error {
	_, err := c.eval(ctx, probeSwitch, conversationID)
	return err
}

// StartConversation creates a new conversation and returns its id.
func (c *RodClient) StartConversation(ctx context.Context, cwd, firstMessage string, opts StartOptions) (string, error) {
	id, err := c.eval(ctx, probeStart, cwd, firstMessage, opts.Title, opts.ID)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", svcerrors.Unavailable("assistant refused to create a session", nil)
	}
	return id, nil
}

// ArchiveConversation archives conversationID.
func (c *RodClient) ArchiveConversation(ctx context.Context, conversationID string) error {
	_, err := c.eval(ctx, probeArchive, conversationID)
	return err
}

// TypeAndSubmit sets the prompt text and submits it in one renderer call.
func (c *RodClient) TypeAndSubmit(ctx context.Context, text string) error {
	res, err := c.eval(ctx, probeTypeAndSubmit, text)
	if err != nil {
		return err
	}
	if res != "ok" {
		return svcerrors.Unavailable("prompt input not present", nil)
	}
	return nil
}

// InsertText types text into the focused element via the input domain.
func (c *RodClient) InsertText(ctx context.Context, text string) error {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensurePage(ctx); err != nil {
		return err
	}
	if err := c.page.Context(ctx).InsertText(text); err != nil {
		c.dropConnection()
		return svcerrors.Unavailable("insert text failed", err)
	}
	return nil
}

// DispatchKeys sends text as individual key events.
func (c *RodClient) DispatchKeys(ctx context.Context, text string) error {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensurePage(ctx); err != nil {
		return err
	}
	page := c.page.Context(ctx)
	for _, r := range text {
		if err := page.Keyboard.Type(input.Key(r)); err != nil {
			c.dropConnection()
			return svcerrors.Unavailable("key dispatch failed", err)
		}
	}
	return nil
}

// Focus focuses the assistant prompt input.
func (c *RodClient) Focus(ctx context.Context) error {
	res, err := c.eval(ctx, probeFocusInput)
	if err != nil {
		return err
	}
	if res != "ok" {
		return svcerrors.Unavailable("prompt input not present", nil)
	}
	return nil
}

// SubmitPrompt submits whatever is currently in the prompt input.
func (c *RodClient) SubmitPrompt(ctx context.Context) error {
	_, err := c.eval(ctx, probeSubmit)
	return err
}

// PendingPermissions reads the assistant's pending tool-permission prompts.
func (c *RodClient) PendingPermissions(ctx context.Context) ([]PermissionRequest, error) {
	raw, err := c.eval(ctx, probePendingPermissions)
	if err != nil {
		return nil, err
	}
	var out []PermissionRequest
	gjson.Parse(raw).ForEach(func(_, item gjson.Result) bool {
		out = append(out, PermissionRequest{
			ID:             item.Get("id").String(),
			ConversationID: item.Get("conversationId").String(),
			Tool:           item.Get("tool").String(),
			ParamPreview:   item.Get("paramPreview").String(),
			RiskLevel:      item.Get("riskLevel").String(),
			CreatedAt:      epochMillis(item.Get("createdAt").Int()),
			ExpiresAt:      epochMillis(item.Get("expiresAt").Int()),
		})
		return true
	})
	return out, nil
}

// RespondPermission dispatches a permission decision.
func (c *RodClient) RespondPermission(ctx context.Context, requestID string, decision PermissionDecision, paramOverride string) error {
	_, err := c.eval(ctx, probeRespondPermission, requestID, string(decision), paramOverride)
	return err
}

// PendingQuestions reads the assistant's pending ask-user prompts.
func (c *RodClient) PendingQuestions(ctx context.Context) ([]Question, error) {
	raw, err := c.eval(ctx, probePendingQuestions)
	if err != nil {
		return nil, err
	}
	var out []Question
	gjson.Parse(raw).ForEach(func(_, item gjson.Result) bool {
		var opts []string
		item.Get("options").ForEach(func(_, o gjson.Result) bool {
			opts = append(opts, o.String())
			return true
		})
		out = append(out, Question{
			ID:             item.Get("id").String(),
			ConversationID: item.Get("conversationId").String(),
			Text:           item.Get("text").String(),
			Options:        opts,
			CreatedAt:      epochMillis(item.Get("createdAt").Int()),
			ExpiresAt:      epochMillis(item.Get("expiresAt").Int()),
		})
		return true
	})
	return out, nil
}

// RespondQuestion dispatches answers to an ask-user prompt.
func (c *RodClient) RespondQuestion(ctx context.Context, questionID string, answers []string) error {
	_, err := c.eval(ctx, probeRespondQuestion, questionID, answers)
	return err
}

// AvailabilityCheck reports whether the endpoint has a reachable target.
func (c *RodClient) AvailabilityCheck(ctx context.Context) Availability {
	ctx, cancel := c.withDeadline(ctx)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensurePage(ctx); err != nil {
		return Availability{Available: false, Reason: err.Error()}
	}
	return Availability{Available: true}
}

// Close drops the remote-debugging attachment.
func (c *RodClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConnection()
	return nil
}

func (c *RodClient) emit(kind events.Kind, payload map[string]interface{}) {
	if c.bus != nil {
		c.bus.Emit(kind, payload)
	}
}

func epochMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Package sessions maintains the canonical conversation map over the
// adapter, serves cached reads, and brokers permission prompts.
package sessions

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/deskpilot/deskpilot/infrastructure/cache"
	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
	"github.com/deskpilot/deskpilot/infrastructure/logging"
	"github.com/deskpilot/deskpilot/internal/app/adapter"
	"github.com/deskpilot/deskpilot/internal/app/events"
	"github.com/deskpilot/deskpilot/internal/app/inject"
)

// HiddenPrefix marks worker conversations. Conversations whose id starts
// with it are excluded from listings unless explicitly requested.
const HiddenPrefix = "dpw-"

// Status is the liveness classification of a conversation.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusWaitingInput Status = "waiting_input"
	StatusThinking     Status = "thinking"
)

// Conversation is the coordinator's view of one assistant dialogue.
type Conversation struct {
	ID            string    `json:"id"`
	CWD           string    `json:"cwd"`
	Title         string    `json:"title"`
	LastActivity  time.Time `json:"lastActivity"`
	MessageCount  int       `json:"messageCount"`
	Status        Status    `json:"status"`
	Hidden        bool      `json:"hidden"`
	ContextTokens int       `json:"contextTokens"`
}

// Detail is a conversation plus a message window.
type Detail struct {
	Conversation
	Messages      []adapter.Message `json:"messages"`
	TotalMessages int               `json:"totalMessages"`
	Offset        int               `json:"offset"`
	Limit         int               `json:"limit"`
}

// Config tunes polling and caching.
type Config struct {
	CacheTTL         time.Duration
	ListInterval     time.Duration
	IdleListInterval time.Duration
}

const burstTicks = 10

// Coordinator owns the conversation map. All mutation of conversation state
// flows through its API.
type Coordinator struct {
	client   adapter.Client
	injector *inject.Engine
	broker   *Broker
	cache    *cache.Cache
	bus      *events.Bus
	log      *logging.Logger
	cfg      Config

	mu         sync.Mutex
	convs      map[string]*Conversation
	viewers    int
	burstLeft  int
	switchMu   sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator builds the coordinator and its broker.
func NewCoordinator(cfg Config, client adapter.Client, injector *inject.Engine, bus *events.Bus, log *logging.Logger) *Coordinator {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	if cfg.ListInterval <= 0 {
		cfg.ListInterval = 2 * time.Second
	}
	if cfg.IdleListInterval <= 0 {
		cfg.IdleListInterval = 60 * time.Second
	}
	if log == nil {
		log = logging.NewNop()
	}
	c := &Coordinator{
		client:   client,
		injector: injector,
		cache:    cache.New(cache.Config{DefaultTTL: cfg.CacheTTL}),
		bus:      bus,
		log:      log,
		cfg:      cfg,
		convs:    make(map[string]*Conversation),
	}
	c.broker = newBroker(client, bus, log)
	return c
}

// Broker returns the permission/question broker sharing this poll loop.
func (c *Coordinator) Broker() *Broker { return c.broker }

// Name implements the service lifecycle.
func (c *Coordinator) Name() string { return "coordinator" }

// Start launches the list poll loop.
func (c *Coordinator) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.pollLoop(loopCtx)
	return nil
}

// Stop terminates the poll loop.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
		}
	}
	return nil
}

func (c *Coordinator) pollLoop(ctx context.Context) {
	defer close(c.done)
	for {
		interval := c.nextInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		c.pollOnce(ctx)
	}
}

func (c *Coordinator) nextInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.burstLeft > 0 {
		c.burstLeft--
		return time.Second
	}
	if c.viewers > 0 {
		return c.cfg.ListInterval
	}
	return c.cfg.IdleListInterval
}

// Burst accelerates list polling for a short window after a mutation.
func (c *Coordinator) Burst() {
	c.mu.Lock()
	c.burstLeft = burstTicks
	c.mu.Unlock()
}

// AddViewer / RemoveViewer track UI presence on the list page.
func (c *Coordinator) AddViewer() {
	c.mu.Lock()
	c.viewers++
	c.mu.Unlock()
}

func (c *Coordinator) RemoveViewer() {
	c.mu.Lock()
	if c.viewers > 0 {
		c.viewers--
	}
	c.mu.Unlock()
}

// pollOnce refreshes the conversation map and the broker's pending queues.
func (c *Coordinator) pollOnce(ctx context.Context) {
	infos, err := c.client.ListConversations(ctx)
	if err != nil {
		c.log.WithError(err).Debug("list poll failed")
		return
	}
	c.apply(infos)
	c.broker.sync(ctx)
}

// apply folds an adapter listing into the map, deriving status transitions.
func (c *Coordinator) apply(infos []adapter.ConversationInfo) {
	type change struct {
		id       string
		from, to Status
	}
	var changes []change

	c.mu.Lock()
	seen := make(map[string]struct{}, len(infos))
	for _, info := range infos {
		seen[info.ID] = struct{}{}
		conv, ok := c.convs[info.ID]
		if !ok {
			conv = &Conversation{ID: info.ID}
			c.convs[info.ID] = conv
		}
		prev := conv.Status
		conv.CWD = info.CWD
		conv.Title = info.Title
		conv.LastActivity = info.LastActivity
		conv.MessageCount = info.MessageCount
		conv.ContextTokens = info.ContextTokens
		conv.Hidden = strings.HasPrefix(info.ID, HiddenPrefix)
		conv.Status = deriveStatus(info)
		if ok && conv.Status != prev {
			changes = append(changes, change{id: conv.ID, from: prev, to: conv.Status})
		}
	}
	for id := range c.convs {
		if _, ok := seen[id]; !ok {
			delete(c.convs, id)
			c.cache.Invalidate(id)
		}
	}
	c.mu.Unlock()

	for _, ch := range changes {
		c.emit(events.KindSessionStatusChanged, map[string]interface{}{
			"conversationId": ch.id,
			"from":           string(ch.from),
			"to":             string(ch.to),
		})
	}
}

// deriveStatus classifies a conversation from its adapter view.
func deriveStatus(info adapter.ConversationInfo) Status {
	switch {
	case info.Thinking:
		return StatusThinking
	case info.PromptActive:
		return StatusWaitingInput
	default:
		return StatusIdle
	}
}

// Refresh forces one synchronous poll outside the loop schedule.
func (c *Coordinator) Refresh(ctx context.Context) {
	c.pollOnce(ctx)
}

// List returns the known conversations, hiding worker conversations unless
// includeHidden is set.
func (c *Coordinator) List(ctx context.Context, includeHidden bool) []Conversation {
	c.mu.Lock()
	empty := len(c.convs) == 0
	c.mu.Unlock()
	if empty {
		c.pollOnce(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		if conv.Hidden && !includeHidden {
			continue
		}
		out = append(out, *conv)
	}
	return out
}

// Lookup returns the conversation metadata without touching the adapter.
func (c *Coordinator) Lookup(id string) (Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return *conv, true
}

// Get returns metadata plus a message window. Pagination counts back from
// the end of the sequence: offset 0 / limit n is the n newest messages. The
// second return value reports whether the read was served from cache.
func (c *Coordinator) Get(ctx context.Context, id string, offset, limit int) (*Detail, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var msgs []adapter.Message
	hit := false
	if cached, ok := c.cache.Get(id); ok {
		msgs = cached.([]adapter.Message)
		hit = true
	} else {
		fetched, err := c.client.GetTranscript(ctx, id)
		if err != nil {
			return nil, false, err
		}
		msgs = fetched
		c.cache.Set(id, msgs, c.cfg.CacheTTL)
	}

	conv, ok := c.Lookup(id)
	if !ok {
		// The list poll may simply not have run since this conversation was
		// created; synthesise minimal metadata from the transcript.
		conv = Conversation{ID: id, MessageCount: len(msgs), Status: StatusIdle,
			Hidden: strings.HasPrefix(id, HiddenPrefix)}
		if len(msgs) > 0 {
			conv.LastActivity = msgs[len(msgs)-1].Timestamp
		}
	}

	total := len(msgs)
	end := total - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	return &Detail{
		Conversation:  conv,
		Messages:      append([]adapter.Message(nil), msgs[start:end]...),
		TotalMessages: total,
		Offset:        offset,
		Limit:         limit,
	}, hit, nil
}

// Transcript returns the full cached transcript for id.
func (c *Coordinator) Transcript(ctx context.Context, id string) ([]adapter.Message, error) {
	detail, _, err := c.Get(ctx, id, 0, 1<<30)
	if err != nil {
		return nil, err
	}
	return detail.Messages, nil
}

// Switch makes id the active conversation. Switches are serialised.
func (c *Coordinator) Switch(ctx context.Context, id string) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	if err := c.client.SwitchConversation(ctx, id); err != nil {
		return err
	}
	c.cache.Invalidate(id)
	c.Burst()
	c.emit(events.KindSessionSwitched, map[string]interface{}{"conversationId": id})
	return nil
}

// SendMessage injects text into the conversation via the injection engine.
func (c *Coordinator) SendMessage(ctx context.Context, id, text string) (inject.Method, error) {
	method, err := c.injector.Inject(ctx, id, text)
	if err != nil {
		return "", err
	}
	c.cache.Invalidate(id)
	c.Burst()
	return method, nil
}

// Archive archives the conversation. Archiving a conversation the map no
// longer knows is a no-op.
func (c *Coordinator) Archive(ctx context.Context, id string) error {
	if _, known := c.Lookup(id); !known {
		return nil
	}
	if err := c.client.ArchiveConversation(ctx, id); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.convs, id)
	c.mu.Unlock()
	c.cache.Invalidate(id)
	c.Burst()
	return nil
}

// Create starts a new conversation and records it immediately.
func (c *Coordinator) Create(ctx context.Context, cwd, firstMessage string, opts adapter.StartOptions) (string, error) {
	id, err := c.client.StartConversation(ctx, cwd, firstMessage, opts)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.convs[id] = &Conversation{
		ID:           id,
		CWD:          cwd,
		Title:        opts.Title,
		LastActivity: time.Now(),
		Status:       StatusThinking,
		Hidden:       strings.HasPrefix(id, HiddenPrefix),
	}
	c.mu.Unlock()
	c.Burst()
	return id, nil
}

// InvalidateCache drops the cached transcript for id.
func (c *Coordinator) InvalidateCache(id string) {
	c.cache.Invalidate(id)
}

// SweepCache drops expired transcript entries; scheduled on the cron.
func (c *Coordinator) SweepCache() int {
	return c.cache.Sweep()
}

// Exists reports whether id resolves to a known conversation.
func (c *Coordinator) Exists(id string) bool {
	_, ok := c.Lookup(id)
	return ok
}

// Require returns NotFound when id does not resolve.
func (c *Coordinator) Require(id string) error {
	if !c.Exists(id) {
		return svcerrors.NotFound("conversation", id)
	}
	return nil
}

func (c *Coordinator) emit(kind events.Kind, payload map[string]interface{}) {
	if c.bus != nil {
		c.bus.Emit(kind, payload)
	}
}

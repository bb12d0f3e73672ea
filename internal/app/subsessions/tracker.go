// Package subsessions links child conversations the assistant spawns on its
// own to their parents and lifts results back up once the child goes quiet.
package subsessions

import (
	"context"
	"sync"
	"time"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
	"github.com/deskpilot/deskpilot/infrastructure/logging"
	"github.com/deskpilot/deskpilot/internal/app/adapter"
	"github.com/deskpilot/deskpilot/internal/app/events"
	"github.com/deskpilot/deskpilot/internal/app/inject"
	"github.com/deskpilot/deskpilot/internal/app/sessions"
)

// resultMarker prefixes a child's final reply when injected into the parent.
const resultMarker = "[subtask result] "

// LinkStatus is the lifecycle of one child link.
type LinkStatus string

const (
	LinkActive     LinkStatus = "active"
	LinkCompleting LinkStatus = "completing"
	LinkCompleted  LinkStatus = "completed"
	LinkReturned   LinkStatus = "returned"
	LinkOrphaned   LinkStatus = "orphaned"
	LinkError      LinkStatus = "error"
)

// Link ties a child conversation to its parent.
type Link struct {
	ChildID          string     `json:"childId"`
	ParentID         string     `json:"parentId"`
	ToolInvocationID string     `json:"toolInvocationId,omitempty"`
	Status           LinkStatus `json:"status"`
	LastActivity     time.Time  `json:"lastActivity"`
	LastReply        string     `json:"lastReply,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Config tunes the tracker.
type Config struct {
	PollInterval    time.Duration
	CompletingAfter time.Duration
	CompletedAfter  time.Duration
	AutoLink        bool
	AutoLinkWindow  time.Duration
}

// Tracker owns sub-session links.
type Tracker struct {
	cfg         Config
	coordinator *sessions.Coordinator
	injector    *inject.Engine
	bus         *events.Bus
	log         *logging.Logger

	mu          sync.Mutex
	links       map[string]*Link
	toolSpawns  map[string]time.Time // parent id → last tool-spawn observed
	knownConvs  map[string]struct{}  // conversations seen by the last scan

	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker builds the tracker.
func NewTracker(cfg Config, coordinator *sessions.Coordinator, injector *inject.Engine, bus *events.Bus, log *logging.Logger) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.CompletingAfter <= 0 {
		cfg.CompletingAfter = 60 * time.Second
	}
	if cfg.CompletedAfter <= 0 {
		cfg.CompletedAfter = 30 * time.Second
	}
	if cfg.AutoLinkWindow <= 0 {
		cfg.AutoLinkWindow = 10 * time.Second
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Tracker{
		cfg:         cfg,
		coordinator: coordinator,
		injector:    injector,
		bus:         bus,
		log:         log,
		links:       make(map[string]*Link),
		toolSpawns:  make(map[string]time.Time),
		knownConvs:  make(map[string]struct{}),
	}
}

// Name implements the service lifecycle.
func (t *Tracker) Name() string { return "subsessions" }

// Start launches the poll loop.
func (t *Tracker) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(loopCtx)
	return nil
}

// Stop terminates the poll loop.
func (t *Tracker) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
		select {
		case <-t.done:
		case <-ctx.Done():
		}
	}
	return nil
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if t.cfg.AutoLink {
			t.autoDetect(ctx)
		}
		t.pollLinks(ctx)
	}
}

// Link registers a child→parent relation.
func (t *Tracker) Link(childID, parentID, toolInvocationID string) (*Link, error) {
	if childID == "" || parentID == "" {
		return nil, svcerrors.MissingParameter("childId/parentId")
	}
	if childID == parentID {
		return nil, svcerrors.Validation("a conversation cannot be its own sub-session")
	}

	t.mu.Lock()
	if existing, ok := t.links[childID]; ok && existing.Status == LinkActive {
		t.mu.Unlock()
		return nil, svcerrors.Conflict("child already linked").WithDetails("childId", childID)
	}
	link := &Link{
		ChildID:          childID,
		ParentID:         parentID,
		ToolInvocationID: toolInvocationID,
		Status:           LinkActive,
		LastActivity:     time.Now(),
		CreatedAt:        time.Now(),
	}
	t.links[childID] = link
	t.mu.Unlock()

	t.emit(events.KindSubsessionLinked, link)
	copy := *link
	return &copy, nil
}

// Unlink removes a link.
func (t *Tracker) Unlink(childID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.links[childID]; !ok {
		return svcerrors.NotFound("sub-session", childID)
	}
	delete(t.links, childID)
	return nil
}

// List returns every link.
func (t *Tracker) List() []Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Link, 0, len(t.links))
	for _, link := range t.links {
		out = append(out, *link)
	}
	return out
}

// Get returns one link.
func (t *Tracker) Get(childID string) (Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	link, ok := t.links[childID]
	if !ok {
		return Link{}, svcerrors.NotFound("sub-session", childID)
	}
	return *link, nil
}

// NoteToolSpawn records that a parent invoked its task tool; conversations
// created inside the auto-link window become its children.
func (t *Tracker) NoteToolSpawn(parentID string) {
	t.mu.Lock()
	t.toolSpawns[parentID] = time.Now()
	t.mu.Unlock()
}

// Scan walks current conversations, hidden ones included, and reports
// unlinked candidates: conversations not yet tracked whose last activity is
// within the past five minutes.
func (t *Tracker) Scan(ctx context.Context) []sessions.Conversation {
	convs := t.coordinator.List(ctx, true)

	t.mu.Lock()
	defer t.mu.Unlock()
	var out []sessions.Conversation
	for _, conv := range convs {
		if _, linked := t.links[conv.ID]; linked {
			continue
		}
		if time.Since(conv.LastActivity) < 5*time.Minute {
			out = append(out, conv)
		}
	}
	return out
}

// autoDetect links conversations that appeared shortly after a parent's
// tool-spawn event.
func (t *Tracker) autoDetect(ctx context.Context) {
	convs := t.coordinator.List(ctx, true)

	t.mu.Lock()
	fresh := make([]string, 0)
	for _, conv := range convs {
		if _, seen := t.knownConvs[conv.ID]; !seen {
			t.knownConvs[conv.ID] = struct{}{}
			fresh = append(fresh, conv.ID)
		}
	}
	var pairs [][2]string
	now := time.Now()
	for _, childID := range fresh {
		for parentID, spawnedAt := range t.toolSpawns {
			if parentID == childID {
				continue
			}
			if now.Sub(spawnedAt) <= t.cfg.AutoLinkWindow {
				pairs = append(pairs, [2]string{childID, parentID})
				break
			}
		}
	}
	t.mu.Unlock()

	for _, pair := range pairs {
		if _, err := t.Link(pair[0], pair[1], ""); err == nil {
			t.log.WithField("childId", pair[0]).WithField("parentId", pair[1]).
				Info("auto-linked sub-session")
		}
	}
}

// pollLinks advances link states based on child inactivity.
func (t *Tracker) pollLinks(ctx context.Context) {
	t.mu.Lock()
	ids := make([]string, 0, len(t.links))
	for id, link := range t.links {
		if link.Status == LinkActive || link.Status == LinkCompleting || link.Status == LinkCompleted {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	for _, childID := range ids {
		t.pollOne(ctx, childID)
	}
}

func (t *Tracker) pollOne(ctx context.Context, childID string) {
	msgs, err := t.coordinator.Transcript(ctx, childID)
	if err != nil {
		t.log.WithError(err).WithField("childId", childID).Debug("sub-session poll failed")
		return
	}

	var lastActivity time.Time
	var lastReply string
	for _, msg := range msgs {
		if msg.Timestamp.After(lastActivity) {
			lastActivity = msg.Timestamp
		}
		if msg.Role == adapter.RoleAssistant && msg.Content != "" {
			lastReply = msg.Content
		}
	}

	t.mu.Lock()
	link, ok := t.links[childID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if lastActivity.After(link.LastActivity) {
		link.LastActivity = lastActivity
		if link.Status != LinkActive {
			// Fresh output resets a winding-down child.
			link.Status = LinkActive
		}
	}
	link.LastReply = lastReply
	idle := time.Since(link.LastActivity)
	status := link.Status
	parentID := link.ParentID
	t.mu.Unlock()

	switch status {
	case LinkActive:
		if idle >= t.cfg.CompletingAfter {
			t.setStatus(childID, LinkCompleting, events.KindSubsessionCompleting)
		}
	case LinkCompleting:
		if idle >= t.cfg.CompletingAfter+t.cfg.CompletedAfter {
			t.setStatus(childID, LinkCompleted, events.KindSubsessionCompleted)
			t.liftResult(ctx, childID, parentID, lastReply)
		}
	}
}

// liftResult injects the child's final reply into the parent.
func (t *Tracker) liftResult(ctx context.Context, childID, parentID, reply string) {
	if !t.coordinator.Exists(parentID) {
		t.setStatus(childID, LinkOrphaned, events.KindSubsessionOrphaned)
		return
	}
	if reply == "" {
		t.setStatus(childID, LinkError, events.KindSubsessionStatusChanged)
		return
	}

	if _, err := t.injector.Inject(ctx, parentID, resultMarker+reply); err != nil {
		t.log.WithError(err).WithField("childId", childID).Warn("result lift failed")
		t.setStatus(childID, LinkError, events.KindSubsessionStatusChanged)
		return
	}
	t.setStatus(childID, LinkReturned, events.KindSubsessionReturned)
}

func (t *Tracker) setStatus(childID string, status LinkStatus, kind events.Kind) {
	t.mu.Lock()
	link, ok := t.links[childID]
	if !ok || link.Status == status {
		t.mu.Unlock()
		return
	}
	link.Status = status
	copy := *link
	t.mu.Unlock()

	t.emit(kind, &copy)
}

func (t *Tracker) emit(kind events.Kind, link *Link) {
	if t.bus == nil {
		return
	}
	t.bus.Emit(kind, map[string]interface{}{
		"childId":  link.ChildID,
		"parentId": link.ParentID,
		"status":   string(link.Status),
	})
}

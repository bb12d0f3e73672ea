// Package adaptertest provides an in-memory adapter.Client for tests.
package adaptertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
	"github.com/deskpilot/deskpilot/internal/app/adapter"
)

// Conversation is the fake's record of one conversation.
type Conversation struct {
	Info     adapter.ConversationInfo
	Messages []adapter.Message
}

// Fake implements adapter.Client over in-memory state. All methods are safe
// for concurrent use.
type Fake struct {
	mu sync.Mutex

	convs       map[string]*Conversation
	active      string
	nextID      int
	unavailable bool
	reason      string

	permissions []adapter.PermissionRequest
	questions   []adapter.Question

	// Submitted records every TypeAndSubmit/InsertText delivery in order.
	Submitted []string

	// AutoReply, when set, is invoked after a submission into a conversation
	// and its result is appended as an assistant message.
	AutoReply func(conversationID, text string) string

	// OnStart, when set, observes StartConversation calls.
	OnStart func(id, cwd, firstMessage string)
}

var _ adapter.Client = (*Fake)(nil)

// New builds an empty fake.
func New() *Fake {
	return &Fake{convs: make(map[string]*Conversation)}
}

// SetUnavailable makes every call report Unavailable.
func (f *Fake) SetUnavailable(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = reason != ""
	f.reason = reason
}

// AddConversation seeds a conversation.
func (f *Fake) AddConversation(info adapter.ConversationInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info.LastActivity.IsZero() {
		info.LastActivity = time.Now()
	}
	f.convs[info.ID] = &Conversation{Info: info}
	if f.active == "" {
		f.active = info.ID
	}
}

// AppendMessage appends to a conversation's transcript.
func (f *Fake) AppendMessage(conversationID string, msg adapter.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[conversationID]
	if !ok {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	conv.Messages = append(conv.Messages, msg)
	conv.Info.MessageCount = len(conv.Messages)
	conv.Info.LastActivity = msg.Timestamp
}

// SetThinking toggles the thinking indicator.
func (f *Fake) SetThinking(conversationID string, thinking bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conv, ok := f.convs[conversationID]; ok {
		conv.Info.Thinking = thinking
	}
}

// SetPermissions replaces the pending permission queue.
func (f *Fake) SetPermissions(reqs []adapter.PermissionRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = reqs
}

// SetQuestions replaces the pending question queue.
func (f *Fake) SetQuestions(qs []adapter.Question) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = qs
}

// Active returns the active conversation id.
func (f *Fake) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// LiveCount returns the number of conversations.
func (f *Fake) LiveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.convs)
}

func (f *Fake) checkAvailable() error {
	if f.unavailable {
		return svcerrors.Unavailable(f.reason, nil)
	}
	return nil
}

func (f *Fake) ListConversations(ctx context.Context) ([]adapter.ConversationInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return nil, err
	}
	out := make([]adapter.ConversationInfo, 0, len(f.convs))
	for _, conv := range f.convs {
		out = append(out, conv.Info)
	}
	return out, nil
}

func (f *Fake) GetTranscript(ctx context.Context, conversationID string) ([]adapter.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return nil, err
	}
	conv, ok := f.convs[conversationID]
	if !ok {
		return nil, svcerrors.NotFound("conversation", conversationID)
	}
	return append([]adapter.Message(nil), conv.Messages...), nil
}

func (f *Fake) SwitchConversation(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return err
	}
	if _, ok := f.convs[conversationID]; !ok {
		return svcerrors.NotFound("conversation", conversationID)
	}
	f.active = conversationID
	return nil
}

func (f *Fake) StartConversation(ctx context.Context, cwd, firstMessage string, opts adapter.StartOptions) (string, error) {
	f.mu.Lock()
	if err := f.checkAvailable(); err != nil {
		f.mu.Unlock()
		return "", err
	}
	id := opts.ID
	if id == "" {
		f.nextID++
		id = fmt.Sprintf("conv-%d", f.nextID)
	}
	conv := &Conversation{Info: adapter.ConversationInfo{
		ID:           id,
		CWD:          cwd,
		Title:        opts.Title,
		LastActivity: time.Now(),
	}}
	f.convs[id] = conv
	f.active = id
	onStart := f.OnStart
	f.mu.Unlock()

	if firstMessage != "" {
		f.AppendMessage(id, adapter.Message{Role: adapter.RoleUser, Content: firstMessage})
	}
	if onStart != nil {
		onStart(id, cwd, firstMessage)
	}
	return id, nil
}

func (f *Fake) ArchiveConversation(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return err
	}
	delete(f.convs, conversationID)
	return nil
}

func (f *Fake) Evaluate(ctx context.Context, expression string) (string, error) {
	if err := f.checkAvailable(); err != nil {
		return "", err
	}
	return "", nil
}

func (f *Fake) TypeAndSubmit(ctx context.Context, text string) error {
	return f.deliver(text)
}

func (f *Fake) InsertText(ctx context.Context, text string) error {
	return f.deliver(text)
}

func (f *Fake) deliver(text string) error {
	f.mu.Lock()
	if err := f.checkAvailable(); err != nil {
		f.mu.Unlock()
		return err
	}
	active := f.active
	autoReply := f.AutoReply
	f.Submitted = append(f.Submitted, text)
	f.mu.Unlock()

	if active != "" {
		f.AppendMessage(active, adapter.Message{Role: adapter.RoleUser, Content: text})
		if autoReply != nil {
			if reply := autoReply(active, text); reply != "" {
				f.AppendMessage(active, adapter.Message{Role: adapter.RoleAssistant, Content: reply})
			}
		}
	}
	return nil
}

func (f *Fake) DispatchKeys(ctx context.Context, text string) error { return f.deliver(text) }

func (f *Fake) Focus(ctx context.Context) error        { return f.checkAvailableLocked() }
func (f *Fake) SubmitPrompt(ctx context.Context) error { return f.checkAvailableLocked() }

func (f *Fake) checkAvailableLocked() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkAvailable()
}

func (f *Fake) PendingPermissions(ctx context.Context) ([]adapter.PermissionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return nil, err
	}
	return append([]adapter.PermissionRequest(nil), f.permissions...), nil
}

func (f *Fake) RespondPermission(ctx context.Context, requestID string, decision adapter.PermissionDecision, paramOverride string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, req := range f.permissions {
		if req.ID == requestID {
			f.permissions = append(f.permissions[:i], f.permissions[i+1:]...)
			return nil
		}
	}
	return svcerrors.NotFound("permission request", requestID)
}

func (f *Fake) PendingQuestions(ctx context.Context) ([]adapter.Question, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkAvailable(); err != nil {
		return nil, err
	}
	return append([]adapter.Question(nil), f.questions...), nil
}

func (f *Fake) RespondQuestion(ctx context.Context, questionID string, answers []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, q := range f.questions {
		if q.ID == questionID {
			f.questions = append(f.questions[:i], f.questions[i+1:]...)
			return nil
		}
	}
	return svcerrors.NotFound("question", questionID)
}

func (f *Fake) AvailabilityCheck(ctx context.Context) adapter.Availability {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return adapter.Availability{Available: false, Reason: f.reason}
	}
	return adapter.Availability{Available: true}
}

func (f *Fake) Close() error { return nil }

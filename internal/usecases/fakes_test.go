package usecases

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"chatbridge/internal/entities"
	"chatbridge/internal/infrastructure"
	"chatbridge/internal/interfaces"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeConversations is an in-memory ConversationStore with the same
// conflict and not-found semantics as the Postgres repository.
type fakeConversations struct {
	mu        sync.Mutex
	byID      map[string]*entities.Conversation
	hideOnce  map[string]bool // makes the next platform lookup miss, simulating a creation race
	updateErr error
	saves     int
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		byID:     map[string]*entities.Conversation{},
		hideOnce: map[string]bool{},
	}
}

func (f *fakeConversations) FindByPlatformChatID(_ context.Context, p entities.Platform, chatID string) (*entities.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := entities.ConversationID(p, chatID)
	if f.hideOnce[id] {
		delete(f.hideOnce, id)
		return nil, nil
	}
	return f.byID[id].Clone(), nil
}

func (f *fakeConversations) FindByChatwootID(_ context.Context, chatwootID int64) (*entities.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byID {
		if c.ChatwootID == chatwootID {
			return c.Clone(), nil
		}
	}
	return nil, nil
}

func (f *fakeConversations) FindByDifyID(_ context.Context, difyID string) (*entities.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byID {
		if c.DifyID == difyID {
			return c.Clone(), nil
		}
	}
	return nil, nil
}

func (f *fakeConversations) Save(_ context.Context, conv *entities.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if _, ok := f.byID[conv.ID]; ok {
		return fmt.Errorf("conversation %s: %w", conv.ID, entities.ErrConflict)
	}
	f.byID[conv.ID] = conv.Clone()
	return nil
}

func (f *fakeConversations) Update(_ context.Context, conv *entities.Conversation) error {
	if err := conv.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.byID[conv.ID]; !ok {
		return &entities.NotFoundError{Kind: "conversation", ID: conv.ID}
	}
	f.byID[conv.ID] = conv.Clone()
	return nil
}

func (f *fakeConversations) put(conv *entities.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[conv.ID] = conv.Clone()
}

func (f *fakeConversations) get(id string) *entities.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id].Clone()
}

func (f *fakeConversations) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

type fakeMappings struct {
	byBot map[string][]entities.Mapping
	err   error
}

func (f *fakeMappings) FindByBotID(_ context.Context, botID string) ([]entities.Mapping, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byBot[botID], nil
}

type sentText struct {
	Dest string
	Text string
	Opts interfaces.DeskSendOptions
}

type fakeSource struct {
	mu   sync.Mutex
	sent []sentText
	err  error
}

func (f *fakeSource) SendMessage(_ context.Context, botID, chatID, text string) (interfaces.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return interfaces.DeliveryResult{}, f.err
	}
	f.sent = append(f.sent, sentText{Dest: botID + "/" + chatID, Text: text})
	return interfaces.DeliveryResult{MessageID: fmt.Sprintf("tg-%d", len(f.sent))}, nil
}

func (f *fakeSource) calls() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

type fakeDesk struct {
	mu        sync.Mutex
	nextConv  int64
	mirrored  []entities.Message
	sent      []sentText
	createErr error
	sendErr   error
}

func (f *fakeDesk) CreateOrUpdateConversation(_ context.Context, conv *entities.Conversation, msg entities.Message, accountID, inboxID string) (interfaces.DeskRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return interfaces.DeskRef{}, f.createErr
	}
	id := conv.ChatwootID
	if id == 0 {
		f.nextConv++
		id = 500 + f.nextConv
	}
	f.mirrored = append(f.mirrored, msg)
	return interfaces.DeskRef{
		ConversationID: id,
		InboxID:        7,
		MessageID:      fmt.Sprintf("in-%d", len(f.mirrored)),
	}, nil
}

func (f *fakeDesk) SendMessage(_ context.Context, accountID string, conversationID int64, text string, opts interfaces.DeskSendOptions) (interfaces.DeliveryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return interfaces.DeliveryResult{}, f.sendErr
	}
	f.sent = append(f.sent, sentText{Dest: fmt.Sprintf("%s/%d", accountID, conversationID), Text: text, Opts: opts})
	return interfaces.DeliveryResult{MessageID: fmt.Sprintf("out-%d", len(f.sent))}, nil
}

func (f *fakeDesk) mirrorCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mirrored)
}

func (f *fakeDesk) sendCalls() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

type fakeAI struct {
	mu       sync.Mutex
	requests []interfaces.AIRequest
	reply    interfaces.AIReply
	err      error
}

func (f *fakeAI) SendMessage(_ context.Context, req interfaces.AIRequest) (interfaces.AIReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return interfaces.AIReply{}, f.err
	}
	return f.reply, nil
}

func (f *fakeAI) calls() []interfaces.AIRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interfaces.AIRequest(nil), f.requests...)
}

var errBoom = errors.New("boom")

type fakeUsage struct {
	mu      sync.Mutex
	records []entities.RoutingStatus
	err     error
}

func (f *fakeUsage) RecordRouting(_ context.Context, _ entities.Platform, res *entities.RoutingResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, res.Status)
	return f.err
}

func (f *fakeUsage) statuses() []entities.RoutingStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entities.RoutingStatus(nil), f.records...)
}

type routerFixture struct {
	router        *MessageRouter
	conversations *fakeConversations
	mappings      *fakeMappings
	source        *fakeSource
	desk          *fakeDesk
	ai            *fakeAI
	state         *infrastructure.MemoryStateStore
	usage         *fakeUsage
	dedup         *DedupController
	clock         *testClock
}

func newRouterFixture(t *testing.T, opts RouterOptions, mappings ...entities.Mapping) *routerFixture {
	t.Helper()
	f := &routerFixture{
		conversations: newFakeConversations(),
		mappings:      &fakeMappings{byBot: map[string][]entities.Mapping{}},
		source:        &fakeSource{},
		desk:          &fakeDesk{},
		ai:            &fakeAI{},
		usage:         &fakeUsage{},
		state:         infrastructure.NewMemoryStateStore(0, opts.Cooldown),
		clock:         newTestClock(),
	}
	t.Cleanup(f.state.Close)
	for _, m := range mappings {
		f.mappings.byBot[m.TelegramBotID] = append(f.mappings.byBot[m.TelegramBotID], m)
	}

	log := quietLogger()
	f.dedup = NewDedupController(f.state, f.clock.Now)
	if opts.Now == nil {
		opts.Now = f.clock.Now
	}
	if opts.FallbackReply == "" {
		opts.FallbackReply = "An agent will follow up shortly."
	}
	f.router = NewMessageRouter(RouterDeps{
		Conversations: f.conversations,
		Resolver:      NewRoutingResolver(f.mappings, log),
		Dedup:         f.dedup,
		Locks:         infrastructure.NewConversationLocks(),
		Source:        f.source,
		Desk:          f.desk,
		AI:            f.ai,
		Usage:         f.usage,
	}, opts, log)
	return f
}

func fullMapping() entities.Mapping {
	return entities.Mapping{
		ID:                "map-1",
		TelegramBotID:     "bot-1",
		ChatwootAccountID: "3",
		ChatwootInboxID:   "7",
		DifyAppID:         "app-1",
		Routing: entities.RoutingFlags{
			SourceToDesk: true,
			SourceToAI:   true,
			DeskToSource: true,
			AIToDesk:     true,
		},
		AutoConnect: entities.AutoConnect{Desk: true, AI: true},
		Enabled:     true,
	}
}

func telegramMessage(id, chatID, content string) entities.Message {
	return entities.Message{
		ID:             id,
		Content:        content,
		SenderID:       "u-" + chatID,
		SenderName:     "Bob",
		ConversationID: chatID,
		Platform:       entities.PlatformTelegram,
		Timestamp:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Metadata: entities.MessageMetadata{
			ChatType: entities.ChatTypePrivate,
			BotID:    "bot-1",
			Sender:   entities.SenderInfo{FirstName: "Bob", Type: "user"},
		},
	}
}

func deskMessage(id, deskConvID, content string) entities.Message {
	return entities.Message{
		ID:             id,
		Content:        content,
		SenderID:       "agent-1",
		SenderName:     "Agent Smith",
		ConversationID: deskConvID,
		Platform:       entities.PlatformChatwoot,
		Metadata: entities.MessageMetadata{
			DeskMessageType: entities.DeskMessageOutgoing,
			DeskAccountID:   "3",
			Sender:          entities.SenderInfo{Type: "user"},
		},
	}
}

package usecases

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/config"
	"chatbridge/internal/entities"
	"chatbridge/internal/interfaces"
)

func TestRoute_EndToEndScenario(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{Cooldown: 5 * time.Second}, fullMapping())
	f.ai.reply = interfaces.AIReply{ConversationID: "d1", Answer: "Hi Bob!"}

	msg := telegramMessage("m1", "c1", "hello")
	res, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, entities.StatusRouted, res.Status)
	assert.Equal(t, "telegram_c1", res.ConversationID)
	assert.Equal(t, "Hi Bob!", res.AIReply)

	conv := f.conversations.get("telegram_c1")
	require.NotNil(t, conv)
	assert.NotZero(t, conv.ChatwootID)
	assert.Equal(t, int64(7), conv.ChatwootInboxID)
	assert.Equal(t, "d1", conv.DifyID)
	assert.Equal(t, "bot-1", conv.BotID())

	sent := f.desk.sendCalls()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hi Bob!", sent[0].Text)
	assert.Equal(t, entities.DeskMessageOutgoing, sent[0].Opts.MessageType)
	assert.Equal(t, 1, f.desk.mirrorCalls())
	assert.Empty(t, f.source.calls(), "ai to source is disabled")

	require.Len(t, f.ai.calls(), 1)
	assert.Equal(t, "hello", f.ai.calls()[0].Query)
	assert.Equal(t, "app-1", f.ai.calls()[0].AppID)
}

func TestRoute_DuplicateMessageIsSkipped(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{}, fullMapping())
	f.ai.reply = interfaces.AIReply{ConversationID: "d1", Answer: "ok"}
	msg := telegramMessage("m1", "c1", "hello")

	_, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	mirrors, aiCalls, deskSends := f.desk.mirrorCalls(), len(f.ai.calls()), len(f.desk.sendCalls())

	res, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusDuplicate, res.Status)
	assert.Equal(t, "duplicate, skipped", res.Note)
	assert.Equal(t, mirrors, f.desk.mirrorCalls())
	assert.Equal(t, aiCalls, len(f.ai.calls()))
	assert.Equal(t, deskSends, len(f.desk.sendCalls()))
}

func TestRoute_SameIDOnDifferentPlatformsIsNotDuplicate(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{})

	_, err := f.router.Route(context.Background(), telegramMessage("42", "c1", "hello"))
	require.NoError(t, err)

	res, err := f.router.Route(context.Background(), deskMessage("42", "999", "hi"))
	require.NoError(t, err)
	assert.NotEqual(t, entities.StatusDuplicate, res.Status)
}

func TestRoute_FailClosedWithoutMapping(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{})
	msg := telegramMessage("m1", "c1", "hello")

	res, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, entities.StatusStoreOnly, res.Status)
	require.Len(t, res.ConfigErrors, 1)
	assert.Contains(t, res.ConfigErrors[0].Reason, "no routing mapping")
	assert.Zero(t, f.desk.mirrorCalls())
	assert.Empty(t, f.desk.sendCalls())
	assert.Empty(t, f.ai.calls())

	conv := f.conversations.get("telegram_c1")
	require.NotNil(t, conv)
	assert.Equal(t, "Bob", conv.FirstName)

	processed, err := f.dedup.IsProcessed(context.Background(), msg.DedupKey())
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestRoute_DisabledMappingFailsClosed(t *testing.T) {
	m := fullMapping()
	m.Enabled = false
	f := newRouterFixture(t, RouterOptions{}, m)

	res, err := f.router.Route(context.Background(), telegramMessage("m1", "c1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, entities.StatusStoreOnly, res.Status)
	assert.Zero(t, f.desk.mirrorCalls())
	assert.Empty(t, f.ai.calls())
}

func TestRoute_CooldownSuppressesSecondReply(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{Cooldown: 5000 * time.Millisecond}, fullMapping())
	f.ai.reply = interfaces.AIReply{ConversationID: "d1", Answer: "Hi Bob!"}
	ctx := context.Background()

	_, err := f.router.Route(ctx, telegramMessage("m1", "c1", "hello"))
	require.NoError(t, err)

	f.clock.Advance(1000 * time.Millisecond)
	res, err := f.router.Route(ctx, telegramMessage("m2", "c1", "are you there?"))
	require.NoError(t, err)

	assert.Len(t, f.desk.sendCalls(), 1, "second AI reply within the window is dropped")
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, entities.DirAIToDesk, res.Skipped[0].Direction)
	assert.Equal(t, "cooldown", res.Skipped[0].Reason)

	f.clock.Advance(5 * time.Second)
	_, err = f.router.Route(ctx, telegramMessage("m3", "c1", "hello again"))
	require.NoError(t, err)
	assert.Len(t, f.desk.sendCalls(), 2)
}

func TestRoute_CooldownScopeMapping(t *testing.T) {
	second := fullMapping()
	second.ID = "map-2"
	second.Routing = entities.RoutingFlags{AIToDesk: true}
	f := newRouterFixture(t, RouterOptions{Cooldown: time.Minute, CooldownScope: config.ScopeMapping}, fullMapping(), second)

	conv := &entities.Conversation{ID: "telegram_c1"}
	assert.Equal(t, "telegram_c1|map-1", f.router.cooldownKey(conv, fullMapping()))
	assert.Equal(t, "telegram_c1|map-2", f.router.cooldownKey(conv, second))

	f2 := newRouterFixture(t, RouterOptions{Cooldown: time.Minute})
	assert.Equal(t, "telegram_c1", f2.router.cooldownKey(conv, second))
}

func TestRoute_EmptyAIReplyNotForwarded(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{}, fullMapping())
	f.ai.reply = interfaces.AIReply{ConversationID: "d1", Answer: "   \n"}

	res, err := f.router.Route(context.Background(), telegramMessage("m1", "c1", "hello"))
	require.NoError(t, err)
	assert.Empty(t, f.desk.sendCalls())
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "empty reply", res.Skipped[0].Reason)

	// The next reply is not blocked by a cooldown the empty reply never took.
	f.ai.reply.Answer = "real answer"
	_, err = f.router.Route(context.Background(), telegramMessage("m2", "c1", "hello?"))
	require.NoError(t, err)
	assert.Len(t, f.desk.sendCalls(), 1)
}

func TestRoute_GroupFormattingForAI(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{}, fullMapping())
	f.ai.reply = interfaces.AIReply{ConversationID: "d1", Answer: "hey"}

	group := telegramMessage("g1", "-100", "hi")
	group.SenderName = "Alice"
	group.Metadata.ChatType = entities.ChatTypeSupergroup
	group.Metadata.IsGroupChat = true
	group.Metadata.Group = &entities.GroupInfo{Title: "Friends", MemberCount: 12}

	_, err := f.router.Route(context.Background(), group)
	require.NoError(t, err)
	require.Len(t, f.ai.calls(), 1)
	assert.Equal(t, "[Alice]: hi", f.ai.calls()[0].Query)

	conv := f.conversations.get("telegram_-100")
	require.NotNil(t, conv)
	assert.Equal(t, entities.ChatTypeSupergroup, conv.ChatType)
	assert.Equal(t, "Friends", conv.GroupTitle)
	assert.Empty(t, conv.FirstName, "group chats keep no sender identity")
}

func TestFormatForAI(t *testing.T) {
	group := entities.Message{Content: "hi", SenderName: "Alice", Metadata: entities.MessageMetadata{IsGroupChat: true}}
	assert.Equal(t, "[Alice]: hi", FormatForAI(group))

	private := entities.Message{Content: "hi", SenderName: "Alice", Metadata: entities.MessageMetadata{ChatType: entities.ChatTypePrivate}}
	assert.Equal(t, "hi", FormatForAI(private))
}

func TestRoute_DeskBotMessageSkipped(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{}, fullMapping())
	msg := deskMessage("cw-1", "501", "automated hello")
	msg.Metadata.Sender.IsBot = true

	res, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusBotSkipped, res.Status)
	assert.Equal(t, "bot message skipped", res.Note)
	assert.Empty(t, f.source.calls())
	assert.Empty(t, f.desk.sendCalls())
	assert.Zero(t, f.desk.mirrorCalls())
	assert.Empty(t, f.ai.calls())
}

func TestRoute_DeskReplyForwardedToSource(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{}, fullMapping())
	conv := entities.NewConversation(entities.PlatformTelegram, "c1", entities.ChatTypePrivate, f.clock.Now())
	conv.ChatwootID = 501
	conv.PlatformMetadata[entities.MetaBotID] = "bot-1"
	f.conversations.put(conv)

	f.clock.Advance(time.Minute)
	res, err := f.router.Route(context.Background(), deskMessage("cw-1", "501", "Hello from support"))
	require.NoError(t, err)

	assert.Equal(t, entities.StatusRouted, res.Status)
	sent := f.source.calls()
	require.Len(t, sent, 1)
	assert.Equal(t, "bot-1/c1", sent[0].Dest)
	assert.Equal(t, "Hello from support", sent[0].Text)
	assert.Equal(t, f.clock.Now(), f.conversations.get("telegram_c1").LastMessageAt)
}

func TestRoute_DeskIgnoredMessages(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{}, fullMapping())

	private := deskMessage("cw-1", "501", "internal note")
	private.Metadata.Private = true
	res, err := f.router.Route(context.Background(), private)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusIgnored, res.Status)

	incoming := deskMessage("cw-2", "501", "mirror of user text")
	incoming.Metadata.DeskMessageType = entities.DeskMessageIncoming
	res, err = f.router.Route(context.Background(), incoming)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusIgnored, res.Status)

	res, err = f.router.Route(context.Background(), deskMessage("cw-3", "999", "nobody home"))
	require.NoError(t, err)
	assert.Equal(t, entities.StatusUnbridged, res.Status)
	assert.Empty(t, f.source.calls())
}

func TestRoute_DeskToSourceDisabled(t *testing.T) {
	m := fullMapping()
	m.Routing.DeskToSource = false
	f := newRouterFixture(t, RouterOptions{}, m)
	conv := entities.NewConversation(entities.PlatformTelegram, "c1", entities.ChatTypePrivate, f.clock.Now())
	conv.ChatwootID = 501
	conv.PlatformMetadata[entities.MetaBotID] = "bot-1"
	f.conversations.put(conv)

	res, err := f.router.Route(context.Background(), deskMessage("cw-1", "501", "hello"))
	require.NoError(t, err)
	assert.Empty(t, f.source.calls())
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, entities.DirDeskToSource, res.Skipped[0].Direction)
}

func TestRoute_SelfEchoFromDeskIsDuplicate(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{}, fullMapping())
	f.ai.reply = interfaces.AIReply{ConversationID: "d1", Answer: "Hi Bob!"}

	_, err := f.router.Route(context.Background(), telegramMessage("m1", "c1", "hello"))
	require.NoError(t, err)

	// The desk reports our own AI reply back as an outgoing message.
	echo := deskMessage("out-1", "501", "Hi Bob!")
	res, err := f.router.Route(context.Background(), echo)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusDuplicate, res.Status)
	assert.Empty(t, f.source.calls())
}

func TestRoute_AIFailureFallsBackToDesk(t *testing.T) {
	m := fullMapping()
	m.Routing.AIToSource = true
	f := newRouterFixture(t, RouterOptions{FallbackReply: "Please hold on."}, m)
	f.ai.err = errBoom

	res, err := f.router.Route(context.Background(), telegramMessage("m1", "c1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, entities.StatusRouted, res.Status)

	sent := f.desk.sendCalls()
	require.Len(t, sent, 1)
	assert.Equal(t, "Please hold on.", sent[0].Text)
	assert.Empty(t, f.source.calls(), "fallback goes to the desk only")
	assert.Empty(t, f.conversations.get("telegram_c1").DifyID)
}

func TestRoute_DeskFailurePropagatesAndReleasesClaim(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{}, fullMapping())
	f.ai.reply = interfaces.AIReply{ConversationID: "d1", Answer: "ok"}
	f.desk.createErr = errBoom
	msg := telegramMessage("m1", "c1", "hello")

	_, err := f.router.Route(context.Background(), msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, entities.ErrUpstream)
	assert.ErrorIs(t, err, errBoom)
	assert.Empty(t, f.ai.calls(), "fan-out stops at the failed desk call")

	processed, err := f.dedup.IsProcessed(context.Background(), msg.DedupKey())
	require.NoError(t, err)
	assert.False(t, processed)

	f.desk.createErr = nil
	res, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusRouted, res.Status)
}

func TestRoute_FailedAIDeliveryFreesCooldownForRedelivery(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{Cooldown: 5 * time.Second}, fullMapping())
	f.ai.reply = interfaces.AIReply{ConversationID: "d1", Answer: "Hi Bob!"}
	f.desk.sendErr = errBoom
	msg := telegramMessage("m1", "c1", "hello")

	_, err := f.router.Route(context.Background(), msg)
	require.ErrorIs(t, err, errBoom)

	f.desk.sendErr = nil
	f.clock.Advance(time.Second)
	res, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusRouted, res.Status)
	assert.Empty(t, res.Skipped)

	sent := f.desk.sendCalls()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hi Bob!", sent[0].Text)
}

func TestRoute_FailedAISourceDeliveryFreesCooldown(t *testing.T) {
	m := fullMapping()
	m.Routing.AIToDesk = false
	m.Routing.AIToSource = true
	f := newRouterFixture(t, RouterOptions{Cooldown: 5 * time.Second}, m)
	f.ai.reply = interfaces.AIReply{ConversationID: "d1", Answer: "Hi Bob!"}
	f.source.err = errBoom
	msg := telegramMessage("m1", "c1", "hello")

	_, err := f.router.Route(context.Background(), msg)
	require.ErrorIs(t, err, errBoom)

	f.source.err = nil
	f.clock.Advance(time.Second)
	res, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	assert.Len(t, res.DeliveriesFor(entities.DirAIToSource), 1)
}

func TestRoute_SourceFailureOnDeskReplyPropagates(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{}, fullMapping())
	conv := entities.NewConversation(entities.PlatformTelegram, "c1", entities.ChatTypePrivate, f.clock.Now())
	conv.ChatwootID = 501
	conv.PlatformMetadata[entities.MetaBotID] = "bot-1"
	f.conversations.put(conv)
	f.source.err = errBoom

	_, err := f.router.Route(context.Background(), deskMessage("cw-1", "501", "hello"))
	require.Error(t, err)
	var upErr *entities.UpstreamError
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, entities.PlatformTelegram, upErr.Platform)
}

func TestRoute_PersistenceFailurePropagates(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{})
	f.conversations.updateErr = errBoom

	_, err := f.router.Route(context.Background(), telegramMessage("m1", "c1", "hello"))
	assert.ErrorIs(t, err, errBoom)
}

func TestRoute_ResolverErrorPropagates(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{})
	f.mappings.err = errBoom

	_, err := f.router.Route(context.Background(), telegramMessage("m1", "c1", "hello"))
	assert.ErrorIs(t, err, errBoom)
}

func TestRoute_InvalidMessageRejected(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{}, fullMapping())
	msg := telegramMessage("m1", "c1", "")

	_, err := f.router.Route(context.Background(), msg)
	assert.ErrorIs(t, err, entities.ErrValidation)
	assert.Zero(t, f.conversations.count())

	msg = telegramMessage("m2", "c1", "hi")
	msg.Platform = "sms"
	_, err = f.router.Route(context.Background(), msg)
	assert.ErrorIs(t, err, entities.ErrValidation)
}

func TestRoute_MergeKeepsKnownFields(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{})
	ctx := context.Background()

	first := telegramMessage("m1", "c1", "hello")
	_, err := f.router.Route(ctx, first)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	second := telegramMessage("m2", "c1", "again")
	second.Metadata.Sender = entities.SenderInfo{FirstName: "Robert", Username: "bobby", LanguageCode: "en"}
	_, err = f.router.Route(ctx, second)
	require.NoError(t, err)

	conv := f.conversations.get("telegram_c1")
	assert.Equal(t, "Bob", conv.FirstName)
	assert.Equal(t, "bobby", conv.Username)
	assert.Equal(t, "en", conv.LanguageCode)
	assert.Equal(t, f.clock.Now(), conv.LastMessageAt)
	assert.Len(t, conv.Participants, 1)
}

func TestRoute_ConcurrentMessagesConvergeOnOneConversation(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{}, fullMapping())
	f.ai.reply = interfaces.AIReply{ConversationID: "d1", Answer: "ok"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := telegramMessage(fmt.Sprintf("m%d", i), "c1", "hello")
			msg.SenderID = fmt.Sprintf("u%d", i)
			_, err := f.router.Route(context.Background(), msg)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.conversations.count())
	conv := f.conversations.get("telegram_c1")
	assert.Len(t, conv.Participants, 10, "no participant update is lost")
	assert.Equal(t, int64(501), conv.ChatwootID, "only one desk conversation is opened")
}

func TestRoute_CreationRaceMergesIntoExistingRecord(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{})
	existing := entities.NewConversation(entities.PlatformTelegram, "c1", entities.ChatTypePrivate, f.clock.Now())
	existing.ChatwootID = 777
	f.conversations.put(existing)
	f.conversations.hideOnce["telegram_c1"] = true

	_, err := f.router.Route(context.Background(), telegramMessage("m1", "c1", "hello"))
	require.NoError(t, err)

	conv := f.conversations.get("telegram_c1")
	assert.Equal(t, int64(777), conv.ChatwootID)
	assert.Equal(t, "Bob", conv.FirstName)
}

func TestRoute_AutoConnectDisabled(t *testing.T) {
	m := fullMapping()
	m.AutoConnect = entities.AutoConnect{}
	f := newRouterFixture(t, RouterOptions{}, m)

	res, err := f.router.Route(context.Background(), telegramMessage("m1", "c1", "hello"))
	require.NoError(t, err)
	assert.Zero(t, f.desk.mirrorCalls())
	assert.Empty(t, f.ai.calls())
	assert.Len(t, res.Skipped, 2)

	// An already bridged conversation keeps flowing.
	conv := f.conversations.get("telegram_c1")
	conv.ChatwootID = 900
	f.conversations.put(conv)
	_, err = f.router.Route(context.Background(), telegramMessage("m2", "c1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.desk.mirrorCalls())
	assert.Empty(t, f.ai.calls())
}

func TestRoute_MissingIdsReportConfigurationErrors(t *testing.T) {
	m := fullMapping()
	m.DifyAppID = ""
	m.ChatwootInboxID = ""
	f := newRouterFixture(t, RouterOptions{}, m)

	res, err := f.router.Route(context.Background(), telegramMessage("m1", "c1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, entities.StatusPartial, res.Status)
	assert.Len(t, res.ConfigErrors, 2)
	assert.Zero(t, f.desk.mirrorCalls())
	assert.Empty(t, f.ai.calls())
}

func TestRoute_SecondMappingDoesNotReopenDesk(t *testing.T) {
	second := fullMapping()
	second.ID = "map-2"
	f := newRouterFixture(t, RouterOptions{}, fullMapping(), second)
	f.ai.reply = interfaces.AIReply{ConversationID: "d1", Answer: "ok"}

	res, err := f.router.Route(context.Background(), telegramMessage("m1", "c1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.desk.mirrorCalls())
	assert.Len(t, f.ai.calls(), 1)
	assert.Len(t, res.Skipped, 2)
}

func TestRoute_AIReplyToSource(t *testing.T) {
	m := fullMapping()
	m.Routing.AIToSource = true
	f := newRouterFixture(t, RouterOptions{Cooldown: time.Second}, m)
	f.ai.reply = interfaces.AIReply{ConversationID: "d1", Answer: "Hi Bob!"}

	res, err := f.router.Route(context.Background(), telegramMessage("m1", "c1", "hello"))
	require.NoError(t, err)

	sent := f.source.calls()
	require.Len(t, sent, 1)
	assert.Equal(t, "bot-1/c1", sent[0].Dest)
	assert.Len(t, res.DeliveriesFor(entities.DirAIToSource), 1)
	assert.Len(t, res.DeliveriesFor(entities.DirAIToDesk), 1)
}

func TestRoute_AsyncAIReplyByDifyID(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{Cooldown: time.Second}, fullMapping())
	conv := entities.NewConversation(entities.PlatformTelegram, "c1", entities.ChatTypePrivate, f.clock.Now())
	conv.ChatwootID = 501
	conv.DifyID = "d1"
	conv.PlatformMetadata[entities.MetaBotID] = "bot-1"
	f.conversations.put(conv)

	msg := entities.Message{
		ID:             "dm-1",
		Content:        "Following up",
		SenderID:       "app-1",
		ConversationID: "d1",
		Platform:       entities.PlatformDify,
	}
	res, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "telegram_c1", res.ConversationID)
	sent := f.desk.sendCalls()
	require.Len(t, sent, 1)
	assert.Equal(t, "3/501", sent[0].Dest)

	msg.ID = "dm-2"
	msg.ConversationID = "unknown"
	res, err = f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusUnbridged, res.Status)
}

func TestRoute_RecordsUsage(t *testing.T) {
	f := newRouterFixture(t, RouterOptions{}, fullMapping())
	f.ai.reply = interfaces.AIReply{ConversationID: "d1", Answer: "ok"}
	msg := telegramMessage("m1", "c1", "hello")

	_, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	_, err = f.router.Route(context.Background(), msg)
	require.NoError(t, err)

	f.usage.err = fmt.Errorf("usage table missing")
	res, err := f.router.Route(context.Background(), telegramMessage("m2", "c1", "again"))
	require.NoError(t, err, "usage failures never fail routing")
	assert.Equal(t, entities.StatusRouted, res.Status)

	assert.Equal(t, []entities.RoutingStatus{
		entities.StatusRouted, entities.StatusDuplicate, entities.StatusRouted,
	}, f.usage.statuses())
}

package usecases

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"chatbridge/internal/config"
	"chatbridge/internal/entities"
	"chatbridge/internal/interfaces"
)

const (
	noteDuplicate  = "duplicate, skipped"
	noteBotSkipped = "bot message skipped"
)

type RouterOptions struct {
	// Cooldown is the minimum gap between forwarded AI replies per cooldown key.
	Cooldown time.Duration
	// CooldownScope is config.ScopeConversation or config.ScopeMapping.
	CooldownScope string
	// FallbackReply is sent to the desk when the AI backend fails.
	FallbackReply string
	Now           func() time.Time
}

type RouterDeps struct {
	Conversations interfaces.ConversationStore
	Resolver      *RoutingResolver
	Dedup         *DedupController
	Locks         interfaces.Locker
	Source        interfaces.SourceClient
	Desk          interfaces.DeskClient
	AI            interfaces.AIClient
	// Usage is optional.
	Usage interfaces.UsageRecorder
}

type platformHandler func(ctx context.Context, msg entities.Message, res *entities.RoutingResult) error

// MessageRouter mirrors one inbound message to the destinations its routing
// configuration enables and keeps the bridge record current.
type MessageRouter struct {
	conversations interfaces.ConversationStore
	resolver      *RoutingResolver
	dedup         *DedupController
	locks         interfaces.Locker
	source        interfaces.SourceClient
	desk          interfaces.DeskClient
	ai            interfaces.AIClient
	usage         interfaces.UsageRecorder
	opts          RouterOptions
	log           logrus.FieldLogger

	handlers map[entities.Platform]platformHandler
}

func NewMessageRouter(deps RouterDeps, opts RouterOptions, log logrus.FieldLogger) *MessageRouter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CooldownScope == "" {
		opts.CooldownScope = config.ScopeConversation
	}
	r := &MessageRouter{
		conversations: deps.Conversations,
		resolver:      deps.Resolver,
		dedup:         deps.Dedup,
		locks:         deps.Locks,
		source:        deps.Source,
		desk:          deps.Desk,
		ai:            deps.AI,
		usage:         deps.Usage,
		opts:          opts,
		log:           log,
	}
	r.handlers = map[entities.Platform]platformHandler{
		entities.PlatformTelegram: r.routeFromSource,
		entities.PlatformChatwoot: r.routeFromDesk,
		entities.PlatformDify:     r.routeFromAI,
	}
	return r
}

// Route processes msg once. A redelivered message id returns a duplicate
// result without side effects. Store and desk/source adapter failures are
// returned and release the idempotency claim so a redelivery can retry.
func (r *MessageRouter) Route(ctx context.Context, msg entities.Message) (*entities.RoutingResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	handle, ok := r.handlers[msg.Platform]
	if !ok {
		return nil, &entities.ValidationError{Field: "platform", Reason: fmt.Sprintf("no handler for %q", msg.Platform)}
	}

	log := r.log.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"platform":   msg.Platform,
	})
	res := &entities.RoutingResult{MessageID: msg.ID}

	key := msg.DedupKey()
	claimed, err := r.dedup.TryClaim(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("claim message %s: %w", key, err)
	}
	if !claimed {
		log.Debug("duplicate message skipped")
		res.Status = entities.StatusDuplicate
		res.Note = noteDuplicate
		r.recordUsage(ctx, msg, res)
		return res, nil
	}

	if msg.Metadata.Sender.IsBot {
		log.Info("bot message skipped")
		res.Status = entities.StatusBotSkipped
		res.Note = noteBotSkipped
		r.recordUsage(ctx, msg, res)
		return res, nil
	}

	if err := handle(ctx, msg, res); err != nil {
		if relErr := r.dedup.Release(ctx, key); relErr != nil {
			log.WithError(relErr).Warn("failed to release message claim")
		}
		log.WithError(err).Error("routing failed")
		return res, err
	}
	if res.Status == "" {
		res.Status = entities.StatusRouted
		if len(res.ConfigErrors) > 0 {
			res.Status = entities.StatusPartial
		}
	}
	log.WithFields(logrus.Fields{
		"conversation_id": res.ConversationID,
		"status":          res.Status,
		"deliveries":      len(res.Deliveries),
	}).Info("message routed")
	r.recordUsage(ctx, msg, res)
	return res, nil
}

func (r *MessageRouter) recordUsage(ctx context.Context, msg entities.Message, res *entities.RoutingResult) {
	if r.usage == nil {
		return
	}
	if err := r.usage.RecordRouting(ctx, msg.Platform, res); err != nil {
		r.log.WithError(err).WithField("message_id", msg.ID).Warn("failed to record routing usage")
	}
}

// routeFromSource handles an end-user message from the chat transport.
func (r *MessageRouter) routeFromSource(ctx context.Context, msg entities.Message, res *entities.RoutingResult) error {
	convID := entities.ConversationID(msg.Platform, msg.ConversationID)
	res.ConversationID = convID
	unlock := r.locks.Lock(convID)
	defer unlock()

	conv, err := r.resolveConversation(ctx, msg)
	if err != nil {
		return err
	}

	cfg, err := r.resolver.Resolve(ctx, msg.Metadata.BotID)
	if err != nil {
		return err
	}
	if !cfg.HasMapping {
		r.log.WithFields(logrus.Fields{"conversation_id": conv.ID, "bot_id": msg.Metadata.BotID}).
			Warn("no routing mapping, storing only")
		res.Status = entities.StatusStoreOnly
		res.ConfigError("", "", fmt.Sprintf("no routing mapping for bot %q", msg.Metadata.BotID))
		return r.persist(ctx, conv)
	}

	fanErr := r.fanOut(ctx, conv, msg, cfg, res)
	if err := r.persist(ctx, conv); err != nil {
		return errors.Join(fanErr, err)
	}
	return fanErr
}

// routeFromDesk forwards an agent reply from the support desk to the source chat.
func (r *MessageRouter) routeFromDesk(ctx context.Context, msg entities.Message, res *entities.RoutingResult) error {
	if msg.Metadata.Private {
		res.Status = entities.StatusIgnored
		res.Note = "private note"
		return nil
	}
	if msg.Metadata.DeskMessageType != entities.DeskMessageOutgoing {
		res.Status = entities.StatusIgnored
		res.Note = "not an agent reply"
		return nil
	}

	deskConvID, err := strconv.ParseInt(msg.ConversationID, 10, 64)
	if err != nil {
		return &entities.ValidationError{Field: "conversation_id", Reason: "desk conversation id must be numeric"}
	}
	found, err := r.conversations.FindByChatwootID(ctx, deskConvID)
	if err != nil {
		return fmt.Errorf("find conversation by desk id %d: %w", deskConvID, err)
	}
	if found == nil {
		res.Status = entities.StatusUnbridged
		res.Note = fmt.Sprintf("no bridged conversation for desk conversation %d", deskConvID)
		return nil
	}

	res.ConversationID = found.ID
	unlock := r.locks.Lock(found.ID)
	defer unlock()

	conv, err := r.reload(ctx, found)
	if err != nil {
		return err
	}
	log := r.log.WithFields(logrus.Fields{"conversation_id": conv.ID, "direction": entities.DirDeskToSource})

	cfg, err := r.resolver.Resolve(ctx, conv.BotID())
	if err != nil {
		return err
	}
	if !cfg.HasMapping {
		log.Warn("no routing mapping for desk reply")
		res.Status = entities.StatusStoreOnly
		res.ConfigError("", entities.DirDeskToSource, fmt.Sprintf("no routing mapping for bot %q", conv.BotID()))
		return nil
	}

	m, ok := pickDeskMapping(cfg, msg.Metadata.DeskAccountID)
	if !ok {
		log.Info("desk to source disabled")
		res.Skip(entities.DirDeskToSource, "", "direction disabled")
		return nil
	}
	botID := m.TelegramBotID
	if botID == "" {
		botID = conv.BotID()
	}
	if _, err := r.source.SendMessage(ctx, botID, conv.ChatID, msg.Content); err != nil {
		return &entities.UpstreamError{Platform: conv.Platform, Op: "send message", Err: err}
	}
	res.Deliver(entities.DirDeskToSource, m.ID, conv.ChatID, msg.Content)

	conv.LastMessageAt = r.opts.Now()
	return r.persist(ctx, conv)
}

// routeFromAI handles a reply pushed by the AI backend outside a source request.
func (r *MessageRouter) routeFromAI(ctx context.Context, msg entities.Message, res *entities.RoutingResult) error {
	found, err := r.conversations.FindByDifyID(ctx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("find conversation by ai id %s: %w", msg.ConversationID, err)
	}
	if found == nil {
		res.Status = entities.StatusUnbridged
		res.Note = fmt.Sprintf("no bridged conversation for ai conversation %s", msg.ConversationID)
		return nil
	}

	res.ConversationID = found.ID
	unlock := r.locks.Lock(found.ID)
	defer unlock()

	conv, err := r.reload(ctx, found)
	if err != nil {
		return err
	}
	cfg, err := r.resolver.Resolve(ctx, conv.BotID())
	if err != nil {
		return err
	}
	if !cfg.HasMapping {
		res.Status = entities.StatusStoreOnly
		res.ConfigError("", entities.DirAIToDesk, fmt.Sprintf("no routing mapping for bot %q", conv.BotID()))
		return nil
	}
	m, ok := pickAIMapping(cfg, msg.Metadata.Extra["app_id"])
	if !ok {
		res.Skip(entities.DirAIToDesk, "", "direction disabled")
		return nil
	}

	res.AIReply = msg.Content
	if err := r.forwardAIReply(ctx, conv, m, msg.Content, false, res); err != nil {
		return err
	}
	return r.persist(ctx, conv)
}

// resolveConversation loads or creates the bridge record for a source
// message and merges newly observed metadata into it.
func (r *MessageRouter) resolveConversation(ctx context.Context, msg entities.Message) (*entities.Conversation, error) {
	now := r.opts.Now()
	conv, err := r.conversations.FindByPlatformChatID(ctx, msg.Platform, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	if conv == nil {
		conv = entities.NewConversation(msg.Platform, msg.ConversationID, chatTypeOf(msg), now)
		conv.MergeFrom(msg.Metadata)
		conv.AddParticipant(participantOf(msg))
		err = r.conversations.Save(ctx, conv)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, entities.ErrConflict) {
			return nil, fmt.Errorf("save conversation: %w", err)
		}
		// Lost the creation race to another replica; merge into the winner.
		conv, err = r.conversations.FindByPlatformChatID(ctx, msg.Platform, msg.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("find conversation: %w", err)
		}
		if conv == nil {
			return nil, &entities.NotFoundError{Kind: "conversation", ID: entities.ConversationID(msg.Platform, msg.ConversationID)}
		}
	}

	conv.MergeFrom(msg.Metadata)
	conv.AddParticipant(participantOf(msg))
	conv.LastMessageAt = now
	return conv, nil
}

// reload re-reads the record after taking its lock so earlier writers are seen.
func (r *MessageRouter) reload(ctx context.Context, conv *entities.Conversation) (*entities.Conversation, error) {
	fresh, err := r.conversations.FindByPlatformChatID(ctx, conv.Platform, conv.ChatID)
	if err != nil {
		return nil, fmt.Errorf("reload conversation %s: %w", conv.ID, err)
	}
	if fresh == nil {
		return conv, nil
	}
	return fresh, nil
}

func (r *MessageRouter) fanOut(ctx context.Context, conv *entities.Conversation, msg entities.Message, cfg entities.RoutingConfiguration, res *entities.RoutingResult) error {
	deskOwner, aiOwner := "", ""
	for _, m := range cfg.Mappings {
		if m.Routing.Enabled(entities.DirSourceToDesk) {
			if deskOwner != "" {
				res.Skip(entities.DirSourceToDesk, m.ID, fmt.Sprintf("conversation already mirrored by mapping %s", deskOwner))
			} else {
				delivered, err := r.forwardToDesk(ctx, conv, msg, m, res)
				if err != nil {
					return err
				}
				if delivered {
					deskOwner = m.ID
				}
			}
		}

		if m.Routing.Enabled(entities.DirSourceToAI) {
			if aiOwner != "" {
				res.Skip(entities.DirSourceToAI, m.ID, fmt.Sprintf("conversation already answered by mapping %s", aiOwner))
				continue
			}
			asked, err := r.askAI(ctx, conv, msg, m, res)
			if err != nil {
				return err
			}
			if asked {
				aiOwner = m.ID
			}
		}
	}
	return nil
}

func (r *MessageRouter) forwardToDesk(ctx context.Context, conv *entities.Conversation, msg entities.Message, m entities.Mapping, res *entities.RoutingResult) (bool, error) {
	log := r.log.WithFields(logrus.Fields{"conversation_id": conv.ID, "mapping_id": m.ID, "direction": entities.DirSourceToDesk})

	if m.ChatwootAccountID == "" || m.ChatwootInboxID == "" {
		log.Warn("mapping has no desk account or inbox")
		res.ConfigError(m.ID, entities.DirSourceToDesk, "chatwoot account or inbox id missing")
		return false, nil
	}
	if conv.ChatwootID == 0 && !m.AutoConnect.Desk {
		log.Info("desk auto-connect disabled for unbridged conversation")
		res.Skip(entities.DirSourceToDesk, m.ID, "auto-connect disabled")
		return false, nil
	}

	ref, err := r.desk.CreateOrUpdateConversation(ctx, conv, msg, m.ChatwootAccountID, m.ChatwootInboxID)
	if err != nil {
		return false, &entities.UpstreamError{Platform: entities.PlatformChatwoot, Op: "create or update conversation", Err: err}
	}
	if ref.ConversationID != 0 {
		conv.ChatwootID = ref.ConversationID
	}
	if ref.InboxID != 0 {
		conv.ChatwootInboxID = ref.InboxID
	}
	r.markSelfEcho(ctx, ref.MessageID)
	res.Deliver(entities.DirSourceToDesk, m.ID, strconv.FormatInt(conv.ChatwootID, 10), msg.Content)
	return true, nil
}

// askAI sends the message to the AI backend and forwards the answer. AI
// failures degrade to the fallback reply and are not returned.
func (r *MessageRouter) askAI(ctx context.Context, conv *entities.Conversation, msg entities.Message, m entities.Mapping, res *entities.RoutingResult) (bool, error) {
	log := r.log.WithFields(logrus.Fields{"conversation_id": conv.ID, "mapping_id": m.ID, "direction": entities.DirSourceToAI})

	if m.DifyAppID == "" {
		log.Warn("mapping has no AI app id")
		res.ConfigError(m.ID, entities.DirSourceToAI, "dify app id missing")
		return false, nil
	}
	if conv.DifyID == "" && !m.AutoConnect.AI {
		log.Info("AI auto-connect disabled for unbridged conversation")
		res.Skip(entities.DirSourceToAI, m.ID, "auto-connect disabled")
		return false, nil
	}

	query := FormatForAI(msg)
	reply, err := r.ai.SendMessage(ctx, interfaces.AIRequest{
		AppID:          m.DifyAppID,
		ConversationID: conv.DifyID,
		UserID:         conv.ID,
		Query:          query,
		Inputs: map[string]string{
			"platform":    string(msg.Platform),
			"sender_name": msg.DisplaySender(),
			"chat_type":   string(conv.ChatType),
		},
	})
	if err != nil {
		upErr := &entities.UpstreamError{Platform: entities.PlatformDify, Op: "send message", Err: err}
		log.WithError(upErr).Warn("AI backend failed, sending fallback reply")
		return true, r.forwardAIReply(ctx, conv, m, r.opts.FallbackReply, true, res)
	}

	if conv.DifyID == "" && reply.ConversationID != "" {
		conv.DifyID = reply.ConversationID
	}
	res.Deliver(entities.DirSourceToAI, m.ID, conv.DifyID, query)
	res.AIReply = reply.Answer
	return true, r.forwardAIReply(ctx, conv, m, reply.Answer, false, res)
}

// forwardAIReply sends an AI answer to the desk and the source chat as the
// mapping allows, at most once per cooldown window. A fallback answer goes
// to the desk only.
func (r *MessageRouter) forwardAIReply(ctx context.Context, conv *entities.Conversation, m entities.Mapping, answer string, fallback bool, res *entities.RoutingResult) error {
	log := r.log.WithFields(logrus.Fields{"conversation_id": conv.ID, "mapping_id": m.ID})

	toDesk := fallback || m.Routing.AIToDesk
	toSource := !fallback && m.Routing.AIToSource
	if !toDesk && !toSource {
		return nil
	}

	if strings.TrimSpace(answer) == "" {
		log.Info("empty AI reply not forwarded")
		if toDesk {
			res.Skip(entities.DirAIToDesk, m.ID, "empty reply")
		}
		if toSource {
			res.Skip(entities.DirAIToSource, m.ID, "empty reply")
		}
		return nil
	}

	if toDesk && conv.ChatwootID == 0 {
		log.WithField("direction", entities.DirAIToDesk).Info("conversation not mirrored to desk")
		res.Skip(entities.DirAIToDesk, m.ID, "conversation not mirrored to desk")
		toDesk = false
	} else if toDesk && m.ChatwootAccountID == "" {
		res.ConfigError(m.ID, entities.DirAIToDesk, "chatwoot account id missing")
		toDesk = false
	}
	if !toDesk && !toSource {
		return nil
	}

	key := r.cooldownKey(conv, m)
	acquiredAt, acquired, err := r.dedup.TryAcquireCooldown(ctx, key, r.opts.Cooldown)
	if err != nil {
		return fmt.Errorf("acquire cooldown for %s: %w", conv.ID, err)
	}
	if !acquired {
		log.WithField("cooldown", r.opts.Cooldown).Info("AI reply dropped, conversation on cooldown")
		if toDesk {
			res.Skip(entities.DirAIToDesk, m.ID, "cooldown")
		}
		if toSource {
			res.Skip(entities.DirAIToSource, m.ID, "cooldown")
		}
		return nil
	}

	if err := r.deliverAIReply(ctx, conv, m, answer, toDesk, toSource, res); err != nil {
		// The redelivery that retries this message must find the slot free.
		if relErr := r.dedup.ReleaseCooldown(ctx, key, acquiredAt); relErr != nil {
			log.WithError(relErr).Warn("failed to release AI cooldown")
		}
		return err
	}
	return nil
}

func (r *MessageRouter) deliverAIReply(ctx context.Context, conv *entities.Conversation, m entities.Mapping, answer string, toDesk, toSource bool, res *entities.RoutingResult) error {
	if toDesk {
		sent, err := r.desk.SendMessage(ctx, m.ChatwootAccountID, conv.ChatwootID, answer, interfaces.DeskSendOptions{
			MessageType: entities.DeskMessageOutgoing,
		})
		if err != nil {
			return &entities.UpstreamError{Platform: entities.PlatformChatwoot, Op: "send message", Err: err}
		}
		r.markSelfEcho(ctx, sent.MessageID)
		res.Deliver(entities.DirAIToDesk, m.ID, strconv.FormatInt(conv.ChatwootID, 10), answer)
	}
	if toSource {
		botID := m.TelegramBotID
		if botID == "" {
			botID = conv.BotID()
		}
		if _, err := r.source.SendMessage(ctx, botID, conv.ChatID, answer); err != nil {
			return &entities.UpstreamError{Platform: conv.Platform, Op: "send message", Err: err}
		}
		res.Deliver(entities.DirAIToSource, m.ID, conv.ChatID, answer)
	}
	return nil
}

// markSelfEcho records a desk message we posted so its webhook echo is dropped.
func (r *MessageRouter) markSelfEcho(ctx context.Context, deskMessageID string) {
	if deskMessageID == "" {
		return
	}
	if err := r.dedup.MarkProcessed(ctx, entities.DedupKey(entities.PlatformChatwoot, deskMessageID)); err != nil {
		r.log.WithError(err).WithField("desk_message_id", deskMessageID).Warn("failed to mark desk message processed")
	}
}

func (r *MessageRouter) cooldownKey(conv *entities.Conversation, m entities.Mapping) string {
	if r.opts.CooldownScope == config.ScopeMapping {
		return conv.ID + "|" + m.ID
	}
	return conv.ID
}

func (r *MessageRouter) persist(ctx context.Context, conv *entities.Conversation) error {
	conv.UpdatedAt = r.opts.Now()
	if err := r.conversations.Update(ctx, conv); err != nil {
		return fmt.Errorf("update conversation %s: %w", conv.ID, err)
	}
	return nil
}

// FormatForAI prefixes group messages with the sender so the AI can tell
// speakers apart.
func FormatForAI(msg entities.Message) string {
	if msg.IsGroup() {
		return fmt.Sprintf("[%s]: %s", msg.DisplaySender(), msg.Content)
	}
	return msg.Content
}

func chatTypeOf(msg entities.Message) entities.ChatType {
	if msg.Metadata.ChatType != "" {
		return msg.Metadata.ChatType
	}
	if msg.Metadata.IsGroupChat {
		return entities.ChatTypeGroup
	}
	return entities.ChatTypePrivate
}

func participantOf(msg entities.Message) entities.Participant {
	return entities.Participant{ID: msg.SenderID, Name: msg.DisplaySender(), Role: "user"}
}

// pickDeskMapping prefers the mapping for the desk account that sent the reply.
func pickDeskMapping(cfg entities.RoutingConfiguration, accountID string) (entities.Mapping, bool) {
	var first *entities.Mapping
	for i := range cfg.Mappings {
		m := &cfg.Mappings[i]
		if !m.Routing.Enabled(entities.DirDeskToSource) {
			continue
		}
		if accountID != "" && m.ChatwootAccountID == accountID {
			return *m, true
		}
		if first == nil {
			first = m
		}
	}
	if first == nil {
		return entities.Mapping{}, false
	}
	return *first, true
}

func pickAIMapping(cfg entities.RoutingConfiguration, appID string) (entities.Mapping, bool) {
	var first *entities.Mapping
	for i := range cfg.Mappings {
		m := &cfg.Mappings[i]
		if !m.Routing.Enabled(entities.DirAIToDesk) && !m.Routing.Enabled(entities.DirAIToSource) {
			continue
		}
		if appID != "" && m.DifyAppID == appID {
			return *m, true
		}
		if first == nil {
			first = m
		}
	}
	if first == nil {
		return entities.Mapping{}, false
	}
	return *first, true
}

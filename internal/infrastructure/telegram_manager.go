package infrastructure

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"chatbridge/internal/entities"
	"chatbridge/internal/interfaces"
)

// TelegramBotInstance represents one connected bot token
type TelegramBotInstance struct {
	Bot       *tgbotapi.BotAPI
	ID        string
	limiter   *rate.Limiter
	stopChan  chan struct{}
	isRunning bool
	mu        sync.Mutex
}

func (b *TelegramBotInstance) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isRunning
}

// TelegramBotManager owns every source bot and implements interfaces.SourceClient.
type TelegramBotManager struct {
	bots    map[string]*TelegramBotInstance
	mu      sync.RWMutex
	rate    rate.Limit
	timeout time.Duration
	log     logrus.FieldLogger

	// MessageHandler receives every normalized inbound message
	MessageHandler func(ctx context.Context, msg entities.Message)
}

var _ interfaces.SourceClient = (*TelegramBotManager)(nil)

// NewTelegramBotManager creates a manager sending at most perSecond messages per bot.
func NewTelegramBotManager(perSecond float64, timeout time.Duration, log logrus.FieldLogger) *TelegramBotManager {
	if perSecond <= 0 {
		perSecond = 25
	}
	return &TelegramBotManager{
		bots:    make(map[string]*TelegramBotInstance),
		rate:    rate.Limit(perSecond),
		timeout: timeout,
		log:     log.WithField("component", "telegram"),
	}
}

// Connect validates the token and registers the bot under its numeric id.
func (m *TelegramBotManager) Connect(token string) (*TelegramBotInstance, error) {
	// Long polling holds requests open for up to 60s on top of the send timeout.
	client := &http.Client{Timeout: m.timeout + 70*time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return m.Register(bot), nil
}

// Register adds an already constructed bot.
func (m *TelegramBotManager) Register(bot *tgbotapi.BotAPI) *TelegramBotInstance {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := strconv.FormatInt(bot.Self.ID, 10)
	if existing, ok := m.bots[id]; ok {
		return existing
	}
	instance := &TelegramBotInstance{
		Bot:      bot,
		ID:       id,
		limiter:  rate.NewLimiter(m.rate, int(m.rate)+1),
		stopChan: make(chan struct{}),
	}
	m.bots[id] = instance
	m.log.WithFields(logrus.Fields{"bot_id": id, "username": bot.Self.UserName}).Info("telegram bot registered")
	return instance
}

// GetBot returns the bot registered under botID (nil if unknown)
func (m *TelegramBotManager) GetBot(botID string) *TelegramBotInstance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bots[botID]
}

func (m *TelegramBotManager) HasBot(botID string) bool {
	return m.GetBot(botID) != nil
}

// BotStatus is the admin view of one registered bot.
type BotStatus struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Running  bool   `json:"running"`
}

// Status lists registered bots ordered by id.
func (m *TelegramBotManager) Status() []BotStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]BotStatus, 0, len(m.bots))
	for id, instance := range m.bots {
		out = append(out, BotStatus{
			ID:       id,
			Username: instance.Bot.Self.UserName,
			Running:  instance.IsRunning(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetWebhooks points every bot at baseURL/<botId>.
func (m *TelegramBotManager) SetWebhooks(baseURL string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	base := strings.TrimRight(baseURL, "/")
	for id, instance := range m.bots {
		wh, err := tgbotapi.NewWebhook(base + "/" + id)
		if err != nil {
			return fmt.Errorf("webhook url for bot %s: %w", id, err)
		}
		if _, err := instance.Bot.Request(wh); err != nil {
			return fmt.Errorf("set webhook for bot %s: %w", id, err)
		}
		m.log.WithField("bot_id", id).Info("telegram webhook set")
	}
	return nil
}

// StartPolling runs the update loop for every registered bot until ctx ends.
func (m *TelegramBotManager) StartPolling(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, instance := range m.bots {
		go m.poll(ctx, instance)
	}
}

func (m *TelegramBotManager) poll(ctx context.Context, instance *TelegramBotInstance) {
	instance.mu.Lock()
	if instance.isRunning {
		instance.mu.Unlock()
		return
	}
	instance.isRunning = true
	instance.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := instance.Bot.GetUpdatesChan(u)
	log := m.log.WithField("bot_id", instance.ID)
	log.Info("started polling")

	defer func() {
		instance.Bot.StopReceivingUpdates()
		instance.mu.Lock()
		instance.isRunning = false
		instance.mu.Unlock()
		log.Info("stopped polling")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-instance.stopChan:
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			m.HandleUpdate(ctx, instance.ID, update)
		}
	}
}

// HandleUpdate normalizes an update from either polling or a webhook and
// hands it to MessageHandler.
func (m *TelegramBotManager) HandleUpdate(ctx context.Context, botID string, update tgbotapi.Update) {
	msg := NormalizeTelegramUpdate(botID, update)
	if msg == nil {
		return
	}
	if m.MessageHandler == nil {
		m.log.WithField("message_id", msg.ID).Warn("no message handler configured, dropping update")
		return
	}
	go m.MessageHandler(ctx, *msg)
}

// SendMessage sends text through the bot identified by botID.
func (m *TelegramBotManager) SendMessage(ctx context.Context, botID, chatID, text string) (interfaces.DeliveryResult, error) {
	instance := m.GetBot(botID)
	if instance == nil {
		return interfaces.DeliveryResult{}, fmt.Errorf("bot %s not connected", botID)
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return interfaces.DeliveryResult{}, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	if err := instance.limiter.Wait(ctx); err != nil {
		return interfaces.DeliveryResult{}, fmt.Errorf("rate limit wait: %w", err)
	}

	sent, err := instance.Bot.Send(tgbotapi.NewMessage(id, text))
	if err != nil {
		return interfaces.DeliveryResult{}, err
	}
	return interfaces.DeliveryResult{MessageID: strconv.Itoa(sent.MessageID)}, nil
}

// DisconnectAll stops all bots (for graceful shutdown)
func (m *TelegramBotManager) DisconnectAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, instance := range m.bots {
		close(instance.stopChan)
	}
	m.bots = make(map[string]*TelegramBotInstance)
}

// NormalizeTelegramUpdate converts an update into a Message. It returns nil
// for updates the bridge ignores: non-text content and bot-authored messages.
func NormalizeTelegramUpdate(botID string, update tgbotapi.Update) *entities.Message {
	tm := update.Message
	if tm == nil {
		tm = update.ChannelPost
	}
	if tm == nil || tm.Chat == nil {
		return nil
	}
	text := strings.TrimSpace(tm.Text)
	if text == "" {
		return nil
	}
	if tm.From != nil && tm.From.IsBot {
		return nil
	}

	chatType := entities.ChatType(tm.Chat.Type)
	if !chatType.Valid() {
		chatType = entities.ChatTypePrivate
	}

	msg := &entities.Message{
		ID:             strconv.FormatInt(tm.Chat.ID, 10) + "_" + strconv.Itoa(tm.MessageID),
		Content:        text,
		ConversationID: strconv.FormatInt(tm.Chat.ID, 10),
		Platform:       entities.PlatformTelegram,
		Timestamp:      time.Unix(int64(tm.Date), 0).UTC(),
		Metadata: entities.MessageMetadata{
			ChatType:    chatType,
			IsGroupChat: chatType.IsGroup(),
			BotID:       botID,
		},
	}

	if tm.From != nil {
		msg.SenderID = strconv.FormatInt(tm.From.ID, 10)
		msg.SenderName = strings.TrimSpace(tm.From.FirstName + " " + tm.From.LastName)
		msg.Metadata.Sender = entities.SenderInfo{
			Username:     tm.From.UserName,
			FirstName:    tm.From.FirstName,
			LastName:     tm.From.LastName,
			LanguageCode: tm.From.LanguageCode,
			IsBot:        tm.From.IsBot,
		}
	} else {
		// Channel posts have no user sender; the channel speaks for itself.
		msg.SenderID = strconv.FormatInt(tm.Chat.ID, 10)
		msg.SenderName = tm.Chat.Title
	}
	if msg.SenderName == "" {
		msg.SenderName = tm.Chat.UserName
	}

	if chatType.IsGroup() {
		group := &entities.GroupInfo{Title: tm.Chat.Title}
		if tm.Chat.Permissions != nil && !tm.Chat.Permissions.CanSendMessages {
			group.IsRestricted = true
		}
		msg.Metadata.Group = group
	}
	return msg
}

package entities

// Direction names one forwarding leg between platforms.
type Direction string

const (
	DirSourceToDesk Direction = "source_to_desk"
	DirSourceToAI   Direction = "source_to_ai"
	DirDeskToSource Direction = "desk_to_source"
	DirAIToDesk     Direction = "ai_to_desk"
	DirAIToSource   Direction = "ai_to_source"
)

// RoutingFlags toggles each direction independently.
type RoutingFlags struct {
	SourceToDesk bool `json:"sourceToDesk"`
	SourceToAI   bool `json:"sourceToAi"`
	DeskToSource bool `json:"deskToSource"`
	AIToDesk     bool `json:"aiToDesk"`
	AIToSource   bool `json:"aiToSource"`
}

func (f RoutingFlags) Enabled(d Direction) bool {
	switch d {
	case DirSourceToDesk:
		return f.SourceToDesk
	case DirSourceToAI:
		return f.SourceToAI
	case DirDeskToSource:
		return f.DeskToSource
	case DirAIToDesk:
		return f.AIToDesk
	case DirAIToSource:
		return f.AIToSource
	default:
		return false
	}
}

// AutoConnect controls whether the bridge may open new foreign conversations.
// When a flag is false the leg only serves chats that are already bridged.
type AutoConnect struct {
	Desk bool `json:"desk"`
	AI   bool `json:"ai"`
}

type Mapping struct {
	ID                string       `json:"id"`
	ChatwootAccountID string       `json:"chatwootAccountId"`
	ChatwootInboxID   string       `json:"chatwootInboxId"`
	DifyAppID         string       `json:"difyAppId"`
	TelegramBotID     string       `json:"telegramBotId"`
	Routing           RoutingFlags `json:"routing"`
	AutoConnect       AutoConnect  `json:"autoConnect"`
	Enabled           bool         `json:"enabled"`
}

// RoutingConfiguration is the read-only view resolved per inbound message.
// HasMapping=false means fail closed: nothing is forwarded.
type RoutingConfiguration struct {
	SourceEntityID string    `json:"sourceEntityId"`
	HasMapping     bool      `json:"hasMapping"`
	Mappings       []Mapping `json:"mappings"`
}

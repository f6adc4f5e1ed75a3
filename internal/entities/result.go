package entities

type RoutingStatus string

const (
	StatusRouted     RoutingStatus = "routed"
	StatusDuplicate  RoutingStatus = "duplicate"
	StatusBotSkipped RoutingStatus = "bot_skipped"
	StatusStoreOnly  RoutingStatus = "store_only"
	StatusIgnored    RoutingStatus = "ignored"
	StatusUnbridged  RoutingStatus = "unbridged"
	StatusPartial    RoutingStatus = "partial"
)

// Delivery records one successful forward.
type Delivery struct {
	Direction   Direction `json:"direction"`
	MappingID   string    `json:"mappingId,omitempty"`
	Destination string    `json:"destination"`
	Text        string    `json:"text,omitempty"`
}

// Skip records a leg that was deliberately not forwarded.
type Skip struct {
	Direction Direction `json:"direction"`
	MappingID string    `json:"mappingId,omitempty"`
	Reason    string    `json:"reason"`
}

type RoutingResult struct {
	MessageID      string               `json:"messageId"`
	ConversationID string               `json:"conversationId,omitempty"`
	Status         RoutingStatus        `json:"status"`
	Note           string               `json:"note,omitempty"`
	Deliveries     []Delivery           `json:"deliveries,omitempty"`
	Skipped        []Skip               `json:"skipped,omitempty"`
	ConfigErrors   []ConfigurationError `json:"configErrors,omitempty"`
	AIReply        string               `json:"aiReply,omitempty"`
}

func (r *RoutingResult) Deliver(dir Direction, mappingID, destination, text string) {
	r.Deliveries = append(r.Deliveries, Delivery{Direction: dir, MappingID: mappingID, Destination: destination, Text: text})
}

func (r *RoutingResult) Skip(dir Direction, mappingID, reason string) {
	r.Skipped = append(r.Skipped, Skip{Direction: dir, MappingID: mappingID, Reason: reason})
}

func (r *RoutingResult) ConfigError(mappingID string, dir Direction, reason string) {
	r.ConfigErrors = append(r.ConfigErrors, ConfigurationError{MappingID: mappingID, Direction: dir, Reason: reason})
}

// DeliveriesFor filters deliveries by direction.
func (r *RoutingResult) DeliveriesFor(dir Direction) []Delivery {
	var out []Delivery
	for _, d := range r.Deliveries {
		if d.Direction == dir {
			out = append(out, d)
		}
	}
	return out
}

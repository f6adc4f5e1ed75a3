package usecases

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"chatbridge/internal/entities"
	"chatbridge/internal/interfaces"
)

// RoutingResolver turns a source entity id (the bot that received a message)
// into the routing view used for one inbound message.
type RoutingResolver struct {
	mappings interfaces.MappingSource
	log      logrus.FieldLogger
}

func NewRoutingResolver(mappings interfaces.MappingSource, log logrus.FieldLogger) *RoutingResolver {
	return &RoutingResolver{mappings: mappings, log: log}
}

// Resolve never fails for unknown or disabled entities; it reports
// HasMapping=false instead. Lookup errors are returned.
func (r *RoutingResolver) Resolve(ctx context.Context, sourceEntityID string) (entities.RoutingConfiguration, error) {
	id := strings.TrimSpace(sourceEntityID)
	cfg := entities.RoutingConfiguration{
		SourceEntityID: id,
		Mappings:       []entities.Mapping{},
	}
	if id == "" {
		return cfg, nil
	}

	all, err := r.mappings.FindByBotID(ctx, id)
	if err != nil {
		return cfg, fmt.Errorf("resolve routing for %s: %w", id, err)
	}
	for _, m := range all {
		if !m.Enabled {
			r.log.WithFields(logrus.Fields{"bot_id": id, "mapping_id": m.ID}).Debug("mapping disabled")
			continue
		}
		cfg.Mappings = append(cfg.Mappings, m)
	}
	cfg.HasMapping = len(cfg.Mappings) > 0
	return cfg, nil
}

package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tidewater-io/changeflow/pkg/config"
)

// NewEgress builds the broker client selected by the bridge settings.
func NewEgress(ctx context.Context, cfg *config.BridgeSettings, logger zerolog.Logger) (Egress, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqEgress(ctx, cfg, logger)
	case "gcp-pubsub":
		return NewPubSubEgress(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported bridge type: %s", cfg.Type)
	}
}

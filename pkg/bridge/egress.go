package bridge

import (
	"context"

	"github.com/tidewater-io/changeflow/pkg/consumer"
	"github.com/tidewater-io/changeflow/pkg/eventlog"
)

// Egress mirrors log records to an external broker so downstream systems
// outside this process can subscribe to the change feed.
type Egress interface {
	// Publish sends one record to the broker, preserving key and headers.
	Publish(ctx context.Context, rec eventlog.Record) error
	// Close cleans up any resources (connections).
	Close() error
}

// NewHandler adapts an Egress into a consumer handler, so the bridge runs as
// an ordinary consumer group member and inherits offset tracking, retry and
// dead-lettering.
func NewHandler(e Egress) consumer.Handler {
	return consumer.HandlerFunc(func(ctx context.Context, rec eventlog.Record) error {
		return e.Publish(ctx, rec)
	})
}

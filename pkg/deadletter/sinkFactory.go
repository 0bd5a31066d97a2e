package deadletter

import (
	"database/sql"
	"fmt"

	"github.com/tidewater-io/changeflow/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var sqlOpen = sql.Open

// NewSink selects the dead-letter backend matching the outbox store so
// captured records share its durability. Store types without a dead-letter
// table fall back to the in-process sink.
func NewSink(cfg config.DbSettings) (Sink, error) {
	switch cfg.Type {
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, err
		}
		return NewPostgresSink(db), nil
	case "mongo", "spanner", "memory":
		return NewMemorySink(), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}

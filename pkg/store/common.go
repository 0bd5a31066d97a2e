package store

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// claimExpiration bounds how long a fetched-but-unpublished entry stays
// invisible to other publisher instances. A publisher that crashes mid-batch
// loses its claim after this long.
const claimExpiration = 5 * time.Minute

func addDBStatsToSpan(span trace.Span, system, statement string, entryCount int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("entryCount", entryCount),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

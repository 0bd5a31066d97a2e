package bridge

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidewater-io/changeflow/pkg/config"
	"github.com/tidewater-io/changeflow/pkg/eventlog"
	"github.com/tidewater-io/changeflow/pkg/telemetry"
)

type RabbitMqEgressCreator func(ctx context.Context, settings *config.BridgeSettings, logger zerolog.Logger) (Egress, error)

var NewRabbitMqEgress RabbitMqEgressCreator = func(ctx context.Context, settings *config.BridgeSettings, logger zerolog.Logger) (Egress, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	egress := &rabbitMqEgress{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		reconnectTicker: time.NewTicker(5 * time.Second), // Retry every 5 seconds
		stopReconnect:   make(chan struct{}),
		logger:          logger.With().Str("component", "rabbitmq-egress").Logger(),
	}

	// Initialize the connection and channel pool
	if err := egress.connectAndInitialize(); err != nil {
		return nil, err
	}

	// Start connection recovery in a separate goroutine
	go egress.recoverConnection()

	return egress, nil
}

type rabbitMqEgress struct {
	connection      *amqp.Connection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BridgeSettings
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	logger          zerolog.Logger
}

func (r *rabbitMqEgress) Publish(ctx context.Context, rec eventlog.Record) error {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "EgressPublish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(r.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(rec.Topic),
		),
	)
	defer span.End()

	// Inject the trace context into the message headers
	propagator := otel.GetTextMapPropagator()
	headers := make(map[string]string, len(rec.Headers))
	maps.Copy(headers, rec.Headers)
	propagator.Inject(ctx, propagation.MapCarrier(headers))

	// Convert headers to amqp.Table
	amqpHeaders := make(amqp.Table)
	for k, v := range headers {
		amqpHeaders[k] = v
	}
	amqpHeaders["x-partition-key"] = string(rec.Key)

	// Get a channel from the pool
	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer r.releaseChannel(pooledChan)

	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	err = pooledChan.channel.ExchangeDeclare(
		r.settings.Exchange, // name of the exchange
		"topic",             // type of the exchange
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	err = pooledChan.channel.Publish(
		r.settings.Exchange, rec.Topic, false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        rec.Value,
			Headers:     amqpHeaders,
		},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(rec.Value)),
	)

	return nil
}

func (r *rabbitMqEgress) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Stop the connection recovery goroutine
	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	// Close all channels in the pool
	close(r.channelPool)
	for pooledChan := range r.channelPool {
		pooledChan.channel.Close()
	}

	// Close the connection
	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}

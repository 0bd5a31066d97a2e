package bridge

import (
	"context"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidewater-io/changeflow/pkg/config"
	"github.com/tidewater-io/changeflow/pkg/eventlog"
	"github.com/tidewater-io/changeflow/pkg/telemetry"
)

// PubSubEgressCreator defines a function type for creating Pub/Sub clients.
type PubSubEgressCreator func(ctx context.Context, settings *config.BridgeSettings, opts ...option.ClientOption) (Egress, error)

// NewPubSubEgress is the default implementation of PubSubEgressCreator.
var NewPubSubEgress PubSubEgressCreator = func(ctx context.Context, settings *config.BridgeSettings, opts ...option.ClientOption) (Egress, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &pubSubEgress{client: client, topics: make(map[string]*pubsub.Topic)}, nil
}

type pubSubEgress struct {
	client *pubsub.Client
	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// topicFor returns a cached topic handle with message ordering enabled.
// Publishing with an ordering key on a handle that has it disabled is
// rejected by the client.
func (p *pubSubEgress) topicFor(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	topic, ok := p.topics[name]
	if !ok {
		topic = p.client.Topic(name)
		topic.EnableMessageOrdering = true
		p.topics[name] = topic
	}
	return topic
}

func (p *pubSubEgress) Publish(ctx context.Context, rec eventlog.Record) error {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "EgressPublish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(rec.Topic),
		),
	)
	defer span.End()

	// Inject the trace context into the message attributes
	propagator := otel.GetTextMapPropagator()
	attributes := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(attributes))

	// Merge record headers into attributes
	for key, value := range rec.Headers {
		attributes[key] = value
	}

	message := &pubsub.Message{
		Data:       rec.Value,
		Attributes: attributes,
	}

	// The partition key keeps per-resource ordering on the Pub/Sub side.
	message.OrderingKey = string(rec.Key)

	res := p.topicFor(rec.Topic).Publish(ctx, message)
	_, err := res.Get(ctx) // wait for server ack
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(rec.Value)),
	)

	return nil
}

func (p *pubSubEgress) Close() error {
	return p.client.Close()
}

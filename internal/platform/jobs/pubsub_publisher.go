package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/chonibe/coa-service-sub010/internal/services"
)

// PubSubEditionPublisher publishes edition assignment jobs to a Pub/Sub topic.
type PubSubEditionPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubEditionPublisher constructs a Pub/Sub backed edition job publisher.
func NewPubSubEditionPublisher(topic *pubsub.Topic) (*PubSubEditionPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub edition publisher: topic is required")
	}
	return &PubSubEditionPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishEditionJob enqueues an edition assignment message on the configured topic.
func (p *PubSubEditionPublisher) PublishEditionJob(ctx context.Context, message services.EditionJobMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub edition publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal edition job: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "lineItemId", message.LineItemID)
	setAttr(attrs, "productId", message.ProductID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish edition job: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}

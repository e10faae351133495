package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/chonibe/coa-service-sub010/internal/services"
)

func TestPubSubEditionPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "edition-assignments")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewPubSubEditionPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubEditionPublisher: %v", err)
	}

	queuedAt := time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC)
	msg := services.EditionJobMessage{
		OrderID:    "9001",
		LineItemID: "li-1",
		ProductID:  "prod-7",
		QueuedAt:   queuedAt,
	}

	if _, err := publisher.PublishEditionJob(ctx, msg); err != nil {
		t.Fatalf("PublishEditionJob: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.EditionJobMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != msg.OrderID || payload.LineItemID != msg.LineItemID {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["productId"]; attr != "prod-7" {
		t.Fatalf("expected product attribute, got %q", attr)
	}
}

func TestNewPubSubEditionPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubEditionPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}

package jobs

import (
	"context"
	"testing"

	"github.com/orderfield/api/internal/services"
)

func TestNewPubSubEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubEventPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}

func TestPublishEventGuards(t *testing.T) {
	var nilPublisher *PubSubEventPublisher
	if _, err := nilPublisher.PublishEvent(context.Background(), services.Event{Name: "order.created"}); err == nil {
		t.Fatalf("expected error for nil publisher")
	}

	uninitialised := &PubSubEventPublisher{}
	if _, err := uninitialised.PublishEvent(context.Background(), services.Event{Name: "order.created"}); err == nil {
		t.Fatalf("expected error for publisher without topic")
	}
}

package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"docintel/pkg/domain"
	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

func sampleEvent() domain.Event {
	return domain.Event{
		Type:       domain.EventAnswerReceived,
		SessionID:  "session-1",
		DocumentID: "doc1",
		State:      domain.StateAnalyzed,
		Turn:       &domain.ChatTurn{Role: domain.RoleAssistant, Content: "5 years"},
		At:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRedisStreamPublisherAppendsEvent(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	p, err := NewRedisStreamPublisher(RedisStreamConfig{Addr: redisSrv.Addr(), Stream: "test:events"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer p.Close()

	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msgs, err := p.client.XRange(context.Background(), "test:events", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	values := msgs[0].Values
	if values["type"] != "answer_received" || values["session_id"] != "session-1" || values["document_id"] != "doc1" {
		t.Fatalf("unexpected values: %+v", values)
	}
	var ev domain.Event
	if err := json.Unmarshal([]byte(values["payload"].(string)), &ev); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if ev.Turn == nil || ev.Turn.Content != "5 years" {
		t.Fatalf("unexpected payload: %+v", ev)
	}
}

func TestRedisStreamPublisherRequiresConfig(t *testing.T) {
	if _, err := NewRedisStreamPublisher(RedisStreamConfig{Stream: "s"}); err == nil {
		t.Fatal("expected error without addr")
	}
	if _, err := NewRedisStreamPublisher(RedisStreamConfig{Addr: "127.0.0.1:6379"}); err == nil {
		t.Fatal("expected error without stream")
	}
}

func TestRoutingKey(t *testing.T) {
	if got := RoutingKey(domain.EventAnalysisCompleted); got != "session.analysis.completed" {
		t.Fatalf("unexpected routing key %q", got)
	}
}

func TestBuildMessage(t *testing.T) {
	msg, err := buildMessage(sampleEvent())
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if msg.ContentType != "application/json" || msg.DeliveryMode != amqp.Persistent || msg.Type != "answer_received" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.MessageId == "" {
		t.Fatal("expected message id")
	}
	var ev domain.Event
	if err := json.Unmarshal(msg.Body, &ev); err != nil || ev.SessionID != "session-1" {
		t.Fatalf("unexpected body: %s (%v)", msg.Body, err)
	}
}

func TestNewAMQPPublisherRequiresURL(t *testing.T) {
	if _, err := NewAMQPPublisher("  ", ""); err == nil {
		t.Fatal("expected error without url")
	}
}

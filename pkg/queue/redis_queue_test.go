package queue

import (
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("parse miniredis port: %v", err)
	}
	q := NewRedisQueue(&Config{
		Host:   mr.Host(),
		Port:   port,
		Prefix: "test:queue",
	})
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t)

	msg := &AutosaveMessage{
		EntryID:   "e-1",
		FileID:    10,
		BranchID:  2,
		ProjectID: 1,
		UserID:    5,
		Priority:  3,
	}
	if err := q.Enqueue(msg); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	length, err := q.QueueLength()
	if err != nil {
		t.Fatalf("QueueLength() error = %v", err)
	}
	if length != 1 {
		t.Fatalf("expected queue length 1, got %d", length)
	}

	got, err := q.Dequeue(time.Second)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if got == nil {
		t.Fatal("expected message, got nil")
	}
	if got.EntryID != "e-1" || got.FileID != 10 || got.Priority != 3 {
		t.Fatalf("unexpected message: %+v", got)
	}
	if got.Created == 0 {
		t.Fatal("expected Created timestamp to be filled")
	}
}

func TestCommitEventPubSub(t *testing.T) {
	q := newTestQueue(t)

	pubsub := q.SubscribeCommitEvents(10)
	defer pubsub.Close()

	ch := pubsub.Channel()

	event := &CommitEvent{
		FileID:     10,
		BranchID:   2,
		CommitHash: "abc123",
		Status:     "completed",
	}
	if err := q.PublishCommitEvent(event); err != nil {
		t.Fatalf("PublishCommitEvent() error = %v", err)
	}

	select {
	case msg := <-ch:
		var got CommitEvent
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if got.CommitHash != "abc123" || got.Status != "completed" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for commit event")
	}
}

package pipeline

import (
	"context"
	"os"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// connectNATS connects to the server named by VISIONFLOW_NATS_URL, or skips
// the test when none is configured.
func connectNATS(t *testing.T) *nats.Conn {
	t.Helper()
	url := os.Getenv("VISIONFLOW_NATS_URL")
	if url == "" {
		t.Skip("set VISIONFLOW_NATS_URL to run NATS tests")
	}
	conn, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("nats.Connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func TestNATSNotifierPublishesTypedSubject(t *testing.T) {
	conn := connectNATS(t)
	notifier := NewNATSNotifier(conn, "visionflow.test")

	sub, err := conn.SubscribeSync("visionflow.test.success")
	if err != nil {
		t.Fatalf("SubscribeSync: %v", err)
	}
	defer sub.Unsubscribe()

	sent := Notification{
		Type:      NotifySuccess,
		EventType: "image.processed",
		Severity:  "info",
		ImageID:   "abcd1234",
		Payload:   map[string]any{"confidence": 93.3},
		Timestamp: time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
	}
	if err := notifier.Publish(context.Background(), sent); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg: %v", err)
	}
	var got Notification
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	if got.Type != NotifySuccess || got.ImageID != "abcd1234" {
		t.Fatalf("notification = %+v", got)
	}
	if got.Payload["confidence"] != 93.3 {
		t.Fatalf("payload = %+v", got.Payload)
	}
}

func TestNATSNotifierHonorsCancelledContext(t *testing.T) {
	conn := connectNATS(t)
	notifier := NewNATSNotifier(conn, "visionflow.test")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := notifier.Publish(ctx, Notification{Type: NotifySuccess}); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}

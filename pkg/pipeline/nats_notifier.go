package pipeline

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// NATSNotifier publishes notifications to a NATS subject per notification
// type: <prefix>.<type>, e.g. "visionflow.notifications.success".
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
}

var _ Notifier = (*NATSNotifier)(nil)

// DefaultSubjectPrefix is used when no prefix is given.
const DefaultSubjectPrefix = "visionflow.notifications"

// NewNATSNotifier creates a notifier over an established connection. The
// connection is owned by the caller.
func NewNATSNotifier(conn *nats.Conn, subjectPrefix string) *NATSNotifier {
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{conn: conn, subject: subjectPrefix}
}

func (n *NATSNotifier) Publish(ctx context.Context, notif Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.conn.Publish(n.subject+"."+notif.Type, payload); err != nil {
		return fmt.Errorf("publish to nats: %w", err)
	}
	return nil
}

package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"greenbudget/internal/notify"
)

// NotificationMessage carries one user notification to the notification worker.
type NotificationMessage struct {
	Notification notify.Notification `json:"notification"`
	Source       string              `json:"source,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
}

func NewNotificationMessage(n notify.Notification, source string) *NotificationMessage {
	return &NotificationMessage{
		Notification: n,
		Source:       source,
		Timestamp:    time.Now(),
	}
}

func (m *NotificationMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func NotificationMessageFromJSON(data []byte) (*NotificationMessage, error) {
	var msg NotificationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Notification.ID == "" || msg.Notification.Message == "" {
		return nil, fmt.Errorf("notification message: missing id or message")
	}
	return &msg, nil
}

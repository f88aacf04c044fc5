package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// NotificationEvent is the value carried over the broker for every business
// event. It is immutable after construction and serialized as a UTF-8 JSON
// object with an ISO-8601 timestamp.
type NotificationEvent struct {
	Message   string    `json:"message"`
	ItemID    string    `json:"item_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewNotificationEvent creates an event stamped with the current UTC time.
func NewNotificationEvent(message, itemID string) NotificationEvent {
	return NotificationEvent{
		Message:   message,
		ItemID:    itemID,
		Timestamp: time.Now().UTC(),
	}
}

// Marshal serializes the event to its wire representation.
func (e NotificationEvent) Marshal() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return body, nil
}

// UnmarshalNotification parses a wire payload into a NotificationEvent.
func UnmarshalNotification(body []byte) (NotificationEvent, error) {
	var e NotificationEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return NotificationEvent{}, fmt.Errorf("unmarshal notification: %w", err)
	}
	return e, nil
}

package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewEvent builds an outbound envelope with a fresh id and server timestamp
func NewEvent(eventType, schoolID, deviceID string, payload interface{}) (*Event, error) {
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		DeviceID:  deviceID,
		SchoolID:  schoolID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
		}
		event.Payload = raw
	}
	return event, nil
}

// SystemNotice is the payload of a system event
type SystemNotice struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// System notice codes
const (
	NoticeReplaced     = "replaced"
	NoticeMessageError = "message_error"
	NoticeRateLimited  = "rate_limited"
)

// NewSystemEvent builds a system event; it cannot fail
func NewSystemEvent(code, message string) *Event {
	raw, _ := json.Marshal(SystemNotice{Event: code, Message: message})
	return &Event{
		ID:        uuid.New().String(),
		Type:      EventSystem,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
}

package amqp

import (
	"encoding/json"
	"time"

	"budgetbase/internal/core"
	"budgetbase/internal/notify"
)

// RecordEventMessage announces a confirmed write. Consumers fetch the record
// from the store; the message carries identity only.
type RecordEventMessage struct {
	Event     core.RecordEvent `json:"event"`
	Timestamp time.Time        `json:"timestamp"`
}

func NewRecordEventMessage(ev core.RecordEvent) *RecordEventMessage {
	return &RecordEventMessage{Event: ev, Timestamp: time.Now()}
}

func (m *RecordEventMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func RecordEventMessageFromJSON(data []byte) (*RecordEventMessage, error) {
	var msg RecordEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SnapshotMessage carries the pending-signature counts of one viewer.
type SnapshotMessage struct {
	Viewer    string          `json:"viewer"`
	Snapshot  notify.Snapshot `json:"snapshot"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewSnapshotMessage(viewer string, s notify.Snapshot) *SnapshotMessage {
	return &SnapshotMessage{Viewer: viewer, Snapshot: s, Timestamp: time.Now()}
}

func (m *SnapshotMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

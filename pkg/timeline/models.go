// Package timeline records the append-only history of a batch: lineage
// changes, tank moves and phase transitions. Events are written inside the
// same transaction as the change they describe and are never updated or
// deleted afterwards.
package timeline

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a kind of timeline event.
type EventType string

const (
	EventBatchCreated        EventType = "batch_created"
	EventBrewingStarted      EventType = "brewing_started"
	EventLotCreated          EventType = "lot_created"
	EventTankAssigned        EventType = "tank_assigned"
	EventAssignmentActivated EventType = "assignment_activated"
	EventPhaseAdvanced       EventType = "phase_advanced"
	EventLotBlended          EventType = "lot_blended"
	EventLotSplit            EventType = "lot_split"
	EventLotTransferred      EventType = "lot_transferred"
	EventAssignmentCompleted EventType = "assignment_completed"
	EventAssignmentCancelled EventType = "assignment_cancelled"
	EventLotCompleted        EventType = "lot_completed"
	EventLotCancelled        EventType = "lot_cancelled"
	EventBatchCompleted      EventType = "batch_completed"
	EventPackagingStarted    EventType = "packaging_started"
)

// Payload is structured event data stored as JSON.
type Payload map[string]any

// Scan implements the sql.Scanner interface for Payload.
func (p *Payload) Scan(value any) error {
	if value == nil {
		*p = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case string:
		bytes = []byte(v)
	case []byte:
		bytes = v
	default:
		return fmt.Errorf("unsupported type for Payload: %T", value)
	}
	return json.Unmarshal(bytes, p)
}

// Value implements the driver.Valuer interface for Payload.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Event is the GORM model for a timeline entry.
type Event struct {
	ID         string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	TenantID   string    `gorm:"column:tenant_id;size:64;index:idx_timeline_batch,priority:1;not null"`
	BatchID    string    `gorm:"column:batch_id;index:idx_timeline_batch,priority:2;type:varchar(36);not null"`
	LotID      string    `gorm:"column:lot_id;type:varchar(36)"`
	EventType  EventType `gorm:"column:event_type;size:64;not null"`
	Actor      string    `gorm:"column:actor;not null"`
	Message    string    `gorm:"column:message"`
	Payload    Payload   `gorm:"column:payload;type:text"`
	OccurredAt time.Time `gorm:"column:occurred_at;index:idx_timeline_batch,priority:3;not null"`
}

// TableName returns the GORM table name.
func (Event) TableName() string { return "timeline_events" }

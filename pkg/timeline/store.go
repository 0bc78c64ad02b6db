package timeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Store provides append-only writes and paginated reads of timeline events.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the timeline_events table.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Event{})
}

// Append writes events using tx, so they commit or roll back together with
// the change they describe. A nil tx writes through the store's own handle.
func (s *Store) Append(tx *gorm.DB, events ...*Event) error {
	if len(events) == 0 {
		return nil
	}
	if tx == nil {
		tx = s.db
	}
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		if ev.OccurredAt.IsZero() {
			ev.OccurredAt = time.Now().UTC()
		}
	}
	if err := tx.Create(events).Error; err != nil {
		return fmt.Errorf("append timeline events: %w", err)
	}
	return nil
}

// ListByBatch returns a page of a batch's events, newest first, and the
// total number of events for the batch. The page token is opaque to callers.
func (s *Store) ListByBatch(tenantID, batchID string, pageSize int, pageToken string) ([]Event, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	var totalSize int64
	if err := s.db.Model(&Event{}).
		Where("tenant_id = ? AND batch_id = ?", tenantID, batchID).
		Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count timeline events: %w", err)
	}

	query := s.db.Where("tenant_id = ? AND batch_id = ?", tenantID, batchID).
		Order("occurred_at DESC").Order("id DESC").
		Limit(pageSize + 1)
	if pageToken != "" {
		at, id, err := decodePageToken(pageToken)
		if err != nil {
			return nil, "", 0, err
		}
		query = query.Where("occurred_at < ? OR (occurred_at = ? AND id < ?)", at, at, id)
	}

	var records []Event
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list timeline events: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		last := records[pageSize-1]
		nextToken = encodePageToken(last.OccurredAt, last.ID)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

func encodePageToken(at time.Time, id string) string {
	return at.UTC().Format(time.RFC3339Nano) + "|" + id
}

func decodePageToken(token string) (time.Time, string, error) {
	ts, id, ok := strings.Cut(token, "|")
	if !ok || id == "" {
		return time.Time{}, "", fmt.Errorf("invalid page token")
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid page token: %w", err)
	}
	return at.UTC(), id, nil
}

package suspend

import (
	"fmt"

	"github.com/gluk-w/claworc/shellkeeper/internal/database"
	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"gorm.io/gorm"
)

// Record is the persisted form of a suspended entry.
type Record struct {
	Entry           protocol.SuspendedSessionEntry
	OriginSessionID string
}

// EntryStore persists suspended entry metadata so the list survives a
// backend restart. Shell processes are never persisted.
type EntryStore interface {
	Save(rec Record) error
	Delete(suspendID string) error
	LoadAll() ([]Record, error)
}

// GormStore keeps entries in the suspended_entries table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Save(rec Record) error {
	e := rec.Entry
	row := database.SuspendedEntry{
		SuspendID:       e.SuspendID,
		ConnectionID:    e.ConnectionID,
		ConnectionName:  e.ConnectionName,
		OriginSessionID: rec.OriginSessionID,
		CustomName:      e.CustomName,
		Status:          string(e.BackendStatus),
		SuspendedAt:     e.SuspendedAt,
		DisconnectedAt:  e.DisconnectedAt,
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("save entry %s: %w", e.SuspendID, err)
	}
	return nil
}

func (s *GormStore) Delete(suspendID string) error {
	if err := s.db.Delete(&database.SuspendedEntry{}, "suspend_id = ?", suspendID).Error; err != nil {
		return fmt.Errorf("delete entry %s: %w", suspendID, err)
	}
	return nil
}

func (s *GormStore) LoadAll() ([]Record, error) {
	var rows []database.SuspendedEntry
	if err := s.db.Order("suspended_at, suspend_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, Record{
			OriginSessionID: row.OriginSessionID,
			Entry: protocol.SuspendedSessionEntry{
				SuspendID:      row.SuspendID,
				ConnectionID:   row.ConnectionID,
				ConnectionName: row.ConnectionName,
				SuspendedAt:    row.SuspendedAt,
				CustomName:     row.CustomName,
				BackendStatus:  protocol.BackendStatus(row.Status),
				DisconnectedAt: row.DisconnectedAt,
			},
		})
	}
	return out, nil
}

type nopStore struct{}

func (nopStore) Save(Record) error          { return nil }
func (nopStore) Delete(string) error        { return nil }
func (nopStore) LoadAll() ([]Record, error) { return nil, nil }

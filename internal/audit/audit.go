package audit

import (
	"sync"
	"time"

	"github.com/gluk-w/claworc/shellkeeper/internal/database"
	"github.com/gluk-w/claworc/shellkeeper/internal/logging"
	"github.com/gluk-w/claworc/shellkeeper/internal/logutil"
	"gorm.io/gorm"
)

// Event types for suspend audit logging.
const (
	EventMarked          = "marked"
	EventUnmarked        = "unmarked"
	EventSuspended       = "suspended"
	EventResumed         = "resumed"
	EventResumeFailed    = "resume_failed"
	EventTerminated      = "terminated"
	EventRemoved         = "removed"
	EventRenamed         = "renamed"
	EventAutoTerminated  = "auto_terminated"
	EventShellLost       = "shell_lost"
	EventOrphanRecovered = "orphan_recovered"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// Entry contains the fields needed to create an audit log entry.
type Entry struct {
	SuspendID    string
	SessionID    string
	ConnectionID string
	EventType    string
	Details      string
}

// Auditor writes audit records to the database and the structured log.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor creates a new Auditor that writes to the given database.
// If retentionDays is 0, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log records an audit event.
func (a *Auditor) Log(entry Entry) error {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	record := database.AuditLog{
		SuspendID:    entry.SuspendID,
		SessionID:    entry.SessionID,
		ConnectionID: entry.ConnectionID,
		EventType:    entry.EventType,
		Details:      entry.Details,
		CreatedAt:    a.nowFn(),
	}

	logger := logging.For("audit")
	if err := a.db.Create(&record).Error; err != nil {
		logger.Error().Err(err).Msg("failed to write audit log")
		return err
	}

	logger.Info().
		Str("event", entry.EventType).
		Str("suspend_id", entry.SuspendID).
		Str("session_id", entry.SessionID).
		Str("connection_id", entry.ConnectionID).
		Str("details", logutil.SanitizeForLog(entry.Details)).
		Msg("audit")
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	SuspendID string
	EventType string
	Since     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit log entries matching the given options, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.AuditLog{})
	if opts.SuspendID != "" {
		tx = tx.Where("suspend_id = ?", opts.SuspendID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days, or the configured
// retention period when days <= 0. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	log := logging.For("audit")
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		log.Error().Err(result.Error).Msg("purge failed")
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Info().Int64("count", result.RowsAffected).Int("days", days).Msg("purged old audit entries")
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nowFn = fn
}

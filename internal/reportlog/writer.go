package reportlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// The camp operates on a fixed UTC+8 calendar regardless of server locale,
// so log grouping uses this zone rather than time.Local.
var campZone = time.FixedZone("UTC+8", 8*60*60)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	noOpLogger         = zap.NewNop()
)

// Entry captures one forwarded daily-report submission for audit. Entries
// are write-only: nothing in the proxy ever reads them back.
type Entry struct {
	LogDate        string `gorm:"column:log_date;primaryKey;size:10;not null;index:idx_report_log_date,priority:1"`
	EntryTime      string `gorm:"column:entry_time;primaryKey;size:8;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Payload        string `gorm:"column:payload;type:text;not null"`
	Response       string `gorm:"column:response;type:text;not null;default:''"`
	ErrorMessage   string `gorm:"column:error_message;type:text;not null;default:''"`
	CreatedAtUTC   string `gorm:"column:created_at_utc;size:64;not null"`
	CreatedAtLocal string `gorm:"column:created_at_local;size:64;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "report_log_entries"
}

// WriterConfig describes the dependencies of a Writer.
type WriterConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Writer appends audit entries keyed by (date, time, userId) on the camp
// calendar.
type Writer struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewWriter validates dependencies and returns a Writer.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("reportlog.writer.new: %w", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Writer{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Record writes one audit entry for a forwarded submission. relayErr is nil
// when the relay to the gateway succeeded; the gateway's raw response text is
// stored verbatim either way. A resubmission by the same user in the same
// second overwrites, matching the document store's set semantics.
func (w *Writer) Record(ctx context.Context, userID string, payload []byte, responseText string, relayErr error) error {
	if userID == "" {
		return fmt.Errorf("reportlog.record: %w", errMissingUserID)
	}

	now := w.clock().UTC()
	local := now.In(campZone)

	entry := Entry{
		LogDate:        local.Format("2006-01-02"),
		EntryTime:      local.Format("15:04:05"),
		UserID:         userID,
		Payload:        string(payload),
		Response:       responseText,
		CreatedAtUTC:   now.Format(time.RFC3339),
		CreatedAtLocal: local.Format(time.RFC3339),
	}
	if relayErr != nil {
		entry.ErrorMessage = relayErr.Error()
	}

	err := w.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "log_date"}, {Name: "entry_time"}, {Name: "user_id"},
		},
		UpdateAll: true,
	}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("reportlog.record %s/%s/%s: %w", entry.LogDate, entry.EntryTime, userID, err)
	}
	return nil
}

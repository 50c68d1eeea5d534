package audit

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Recorder persists audit entries. Recording is best effort: a failure is
// logged and never undoes the mutation it describes.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

// GormRecorder writes entries to Postgres
type GormRecorder struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenPostgres opens a gorm connection for the audit log
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	return db, nil
}

// NewGormRecorder creates a recorder and migrates the audit table
func NewGormRecorder(db *gorm.DB, logger *zap.Logger) (*GormRecorder, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit log: %w", err)
	}
	return &GormRecorder{db: db, logger: logger}, nil
}

func (r *GormRecorder) Record(ctx context.Context, entry Entry) {
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		r.logger.Error("Failed to record audit entry",
			zap.String("transition", string(entry.Transition)),
			zap.String("campaign_id", entry.CampaignID),
			zap.Error(err))
	}
}

// List returns the audit trail of a campaign, oldest first
func (r *GormRecorder) List(ctx context.Context, campaignID string, limit int) ([]Entry, error) {
	var entries []Entry
	query := r.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// MemoryRecorder keeps entries in memory
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryRecorder creates an empty in-memory recorder
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(ctx context.Context, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

// List returns the entries of a campaign, oldest first
func (r *MemoryRecorder) List(ctx context.Context, campaignID string, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	for _, e := range r.entries {
		if e.CampaignID != campaignID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Transitions returns the recorded transitions in order
func (r *MemoryRecorder) Transitions() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Transition, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Transition
	}
	return out
}

// Package journal records dispatched requests tagged with the replica that
// owns them, so each replica polls only its own in-flight work.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/models"
	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/storeerr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultPollLimit caps PollPending when the caller passes no limit.
const DefaultPollLimit = 100

// RecordInput describes a dispatched request.
type RecordInput struct {
	RequestID       string
	PodName         string
	SessionID       string
	IntegrationType models.IntegrationType
	RequestType     string
}

// Journal is the Request Journal.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
	log *slog.Logger
}

// New creates a Journal over db.
func New(db *gorm.DB, log *slog.Logger) *Journal {
	if log == nil {
		log = slog.Default()
	}
	return &Journal{db: db, now: time.Now, log: log}
}

// RecordRequest journals a dispatched request. Recording the same request
// id twice returns the original row.
func (j *Journal) RecordRequest(ctx context.Context, in RecordInput) (*models.RequestLog, error) {
	if in.RequestID == "" {
		return nil, fmt.Errorf("journal: record request: request id is required: %w", storeerr.ErrInvalidArgument)
	}
	if in.PodName == "" {
		return nil, fmt.Errorf("journal: record request %s: pod name is required: %w", in.RequestID, storeerr.ErrInvalidArgument)
	}

	now := j.now().UTC()
	row := models.RequestLog{
		RequestID:       in.RequestID,
		SessionID:       in.SessionID,
		IntegrationType: in.IntegrationType,
		RequestType:     in.RequestType,
		PodName:         in.PodName,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	result := j.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("journal: record request %s: %w", in.RequestID, storeerr.Classify(result.Error))
	}
	if result.RowsAffected == 1 {
		return &row, nil
	}

	existing, err := j.Get(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if existing.PodName != in.PodName {
		j.log.Warn("request already journaled by another pod",
			"request_id", in.RequestID, "pod", in.PodName, "owner", existing.PodName)
	}
	return existing, nil
}

// Get returns the journal row for a request id.
func (j *Journal) Get(ctx context.Context, requestID string) (*models.RequestLog, error) {
	var row models.RequestLog
	if err := j.db.WithContext(ctx).Where("request_id = ?", requestID).First(&row).Error; err != nil {
		return nil, fmt.Errorf("journal: get %s: %w", requestID, storeerr.Classify(err))
	}
	return &row, nil
}

// RecordCompletion sets completed_at once. Completing an already completed
// request is a no-op; an unknown request id is storeerr.ErrNotFound.
func (j *Journal) RecordCompletion(ctx context.Context, requestID string, now time.Time) error {
	now = now.UTC()
	result := j.db.WithContext(ctx).Model(&models.RequestLog{}).
		Where("request_id = ? AND completed_at IS NULL", requestID).
		UpdateColumns(map[string]interface{}{
			"completed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("journal: record completion %s: %w", requestID, storeerr.Classify(result.Error))
	}
	if result.RowsAffected == 1 {
		return nil
	}

	if _, err := j.Get(ctx, requestID); err != nil {
		if errors.Is(err, storeerr.ErrNotFound) {
			return fmt.Errorf("journal: record completion %s: %w", requestID, storeerr.ErrNotFound)
		}
		return err
	}
	return nil
}

// PollPending returns incomplete requests owned by podName, oldest first.
// Rows of other pods are never returned.
func (j *Journal) PollPending(ctx context.Context, podName string, limit int) ([]models.RequestLog, error) {
	if podName == "" {
		return nil, fmt.Errorf("journal: poll pending: pod name is required: %w", storeerr.ErrInvalidArgument)
	}
	if limit <= 0 {
		limit = DefaultPollLimit
	}

	var rows []models.RequestLog
	err := j.db.WithContext(ctx).
		Where("pod_name = ? AND completed_at IS NULL", podName).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("journal: poll pending %s: %w", podName, storeerr.Classify(err))
	}
	return rows, nil
}

// CountPending returns the number of incomplete requests per pod.
func (j *Journal) CountPending(ctx context.Context) (map[string]int64, error) {
	type row struct {
		PodName string `gorm:"column:pod_name"`
		Count   int64  `gorm:"column:cnt"`
	}
	var rows []row
	err := j.db.WithContext(ctx).Model(&models.RequestLog{}).
		Select("pod_name, COUNT(*) as cnt").
		Where("completed_at IS NULL").
		Group("pod_name").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("journal: count pending: %w", storeerr.Classify(err))
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.PodName] = r.Count
	}
	return out, nil
}

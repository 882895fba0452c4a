// Package repo implements the data persistence layer for the relay, backed
// by GORM. This file provides small aggregate/statistics queries used by the
// admin surface (conditional responses and per-user summaries). Each
// function is context-aware and safe to call from services or handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/persona-relay/internal/domain"
)

// TranscriptsStats returns aggregate metadata for a user's live transcripts:
// the number of documents, the total number of turns across them and the
// greatest UpdatedAt. When the user has no transcripts, count is 0 and
// maxUpdatedAt is nil.
func TranscriptsStats(ctx context.Context, db *gorm.DB, userID string) (count, turns int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Transcript{}).Where("user_id = ?", userID)

	if err = q.Count(&count).Error; err != nil {
		return 0, 0, nil, err
	}
	if count == 0 {
		return 0, 0, nil, nil
	}

	var sum struct{ Total int64 }
	if err = db.WithContext(ctx).Model(&domain.Transcript{}).
		Select("COALESCE(SUM(length), 0) AS total").
		Where("user_id = ?", userID).
		Scan(&sum).Error; err != nil {
		return 0, 0, nil, err
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = db.WithContext(ctx).Model(&domain.Transcript{}).
		Select("updated_at").
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(1).
		Scan(&row).Error; err != nil {
		return 0, 0, nil, err
	}
	return count, sum.Total, &row.UpdatedAt, nil
}

// ArchivesStats returns the number of archives for userID and the most
// recent ArchivedAt, or nil when there are none.
func ArchivesStats(ctx context.Context, db *gorm.DB, userID string) (count int64, lastArchivedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.TranscriptArchive{}).Where("user_id = ?", userID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	var row struct {
		ArchivedAt time.Time
	}
	if err = q.Select("archived_at").Order("archived_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.ArchivedAt, nil
}

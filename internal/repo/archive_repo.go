package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/persona-relay/internal/domain"
)

// archiveStamp is the timestamp layout embedded in archive names.
const archiveStamp = "20060102_150405"

// ArchiveName builds "<user>_<persona>_history_<YYYYMMDD_HHMMSS>_<tail>".
func ArchiveName(userID, persona string, at time.Time, tail string) string {
	return fmt.Sprintf("%s_%s_history_%s_%s", userID, persona, at.UTC().Format(archiveStamp), tail)
}

// ArchiveTranscript moves the live document for (userID, persona) into the
// archive table and deletes it, in one transaction. It returns the archived
// row, or nil when there was nothing to archive.
func ArchiveTranscript(ctx context.Context, db *gorm.DB, userID, persona string, at time.Time) (*domain.TranscriptArchive, error) {
	var out *domain.TranscriptArchive
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []domain.Transcript
		if err := tx.Where("user_id = ? AND persona = ?", userID, persona).Limit(1).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		live := rows[0]

		id := uuid.NewString()
		a := &domain.TranscriptArchive{
			ID:         id,
			Name:       ArchiveName(userID, persona, at, id[:8]),
			UserID:     userID,
			Persona:    persona,
			Turns:      live.Turns,
			Length:     live.Length,
			ArchivedAt: at.UTC(),
		}
		if err := tx.Create(a).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ? AND persona = ?", userID, persona).Delete(&domain.Transcript{}).Error; err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountArchives returns the number of archived transcripts for userID.
func CountArchives(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.TranscriptArchive{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListArchivesPage returns a page of archives for userID, newest first. The
// turns column is left out; use GetArchive for the content.
func ListArchivesPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.TranscriptArchive, error) {
	var out []domain.TranscriptArchive
	err := db.WithContext(ctx).
		Select("id", "name", "user_id", "persona", "length", "archived_at").
		Where("user_id = ?", userID).
		Order("archived_at desc, name desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ArchivesWithTurns returns up to limit of userID's archives, newest first,
// including their turns.
func ArchivesWithTurns(ctx context.Context, db *gorm.DB, userID string, limit int) ([]domain.TranscriptArchive, error) {
	var out []domain.TranscriptArchive
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("archived_at desc, name desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// GetArchive fetches one archive by id and owner. Missing rows yield
// ErrNotFound.
func GetArchive(ctx context.Context, db *gorm.DB, id, userID string) (*domain.TranscriptArchive, error) {
	var rows []domain.TranscriptArchive
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

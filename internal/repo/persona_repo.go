package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/persona-relay/internal/domain"
)

// SavePersona upserts the persona selection for userID.
func SavePersona(ctx context.Context, db *gorm.DB, userID, persona string) error {
	row := &domain.PersonaSelection{
		UserID:    userID,
		Persona:   persona,
		UpdatedAt: time.Now().UTC(),
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"persona", "updated_at"}),
	}).Create(row).Error
}

// LoadPersona returns the stored persona id for userID, or "" when the user
// has never switched.
func LoadPersona(ctx context.Context, db *gorm.DB, userID string) (string, error) {
	var rows []domain.PersonaSelection
	if err := db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&rows).Error; err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].Persona, nil
}

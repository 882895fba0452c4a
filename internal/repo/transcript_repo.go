// Package repo implements the data persistence layer for the relay, backed
// by GORM. This file provides repository functions for transcripts.
//
// A transcript is one JSON document per (user, persona). Writers either
// overwrite the whole document (SaveTranscript) or replace everything from a
// known offset onward (SaveTranscriptTail). Readers get a bounded suffix plus
// the offset at which that suffix starts, which is what a later tail write
// needs to line the two up again.
//
// Error semantics:
//   - A missing document reads as an empty transcript, never an error.
//   - A document that fails to decode is reported as an error; callers
//     decide whether to treat it as empty.
//   - DB errors are propagated unchanged.
package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/persona-relay/internal/domain"
)

// SaveTranscript overwrites the document for (userID, persona) with turns.
func SaveTranscript(ctx context.Context, db *gorm.DB, userID, persona string, turns []domain.Turn) error {
	return upsertTranscript(db.WithContext(ctx), userID, persona, turns)
}

// SaveTranscriptTail keeps the first `from` turns of the stored document and
// replaces the rest with turns, in one transaction. When the stored document
// is shorter than from, whatever exists is kept. Replaying the same call is
// harmless.
func SaveTranscriptTail(ctx context.Context, db *gorm.DB, userID, persona string, from int, turns []domain.Turn) error {
	if from <= 0 {
		return SaveTranscript(ctx, db, userID, persona, turns)
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := readTranscript(tx, userID, persona)
		if err != nil {
			return err
		}
		if from > len(existing) {
			from = len(existing)
		}
		merged := make([]domain.Turn, 0, from+len(turns))
		merged = append(merged, existing[:from]...)
		merged = append(merged, turns...)
		return upsertTranscript(tx, userID, persona, merged)
	})
}

// LoadTranscript returns at most the last limit turns of the document and
// the index of the first returned turn within the full document. A limit
// <= 0 returns everything.
func LoadTranscript(ctx context.Context, db *gorm.DB, userID, persona string, limit int) ([]domain.Turn, int, error) {
	turns, err := readTranscript(db.WithContext(ctx), userID, persona)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 || len(turns) <= limit {
		return turns, 0, nil
	}
	base := len(turns) - limit
	return turns[base:], base, nil
}

// IsNewUser reports whether userID has no transcript under any persona.
func IsNewUser(ctx context.Context, db *gorm.DB, userID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Transcript{}).
		Where("user_id = ?", userID).
		Count(&n).Error
	return n == 0, err
}

func readTranscript(tx *gorm.DB, userID, persona string) ([]domain.Turn, error) {
	var rows []domain.Transcript
	if err := tx.Where("user_id = ? AND persona = ?", userID, persona).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []domain.Turn{}, nil
	}
	return decodeTurns(rows[0].Turns)
}

func upsertTranscript(tx *gorm.DB, userID, persona string, turns []domain.Turn) error {
	doc, err := encodeTurns(turns)
	if err != nil {
		return err
	}
	row := &domain.Transcript{
		UserID:    userID,
		Persona:   persona,
		Turns:     doc,
		Length:    len(turns),
		UpdatedAt: time.Now().UTC(),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "persona"}},
		DoUpdates: clause.AssignmentColumns([]string{"turns", "length", "updated_at"}),
	}).Create(row).Error
}

func encodeTurns(turns []domain.Turn) (datatypes.JSON, error) {
	if turns == nil {
		turns = []domain.Turn{}
	}
	b, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	return datatypes.JSON(b), nil
}

func decodeTurns(doc datatypes.JSON) ([]domain.Turn, error) {
	turns := []domain.Turn{}
	if len(doc) == 0 {
		return turns, nil
	}
	if err := json.Unmarshal(doc, &turns); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return turns, nil
}

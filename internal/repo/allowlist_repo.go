// Package repo implements the data persistence layer for the relay, backed
// by GORM. This file provides the authentication allow-list.
//
// The list is append-only: Authenticate always inserts and never checks for
// an existing row, and IsAuthenticated is a plain membership test, so
// duplicates are harmless and a user can never be removed by a write race.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/persona-relay/internal/domain"
)

// IsAuthenticated reports whether userID appears anywhere in the allow-list.
func IsAuthenticated(ctx context.Context, db *gorm.DB, userID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.AllowedUser{}).
		Where("user_id = ?", userID).
		Count(&n).Error
	return n > 0, err
}

// Authenticate appends userID to the allow-list.
func Authenticate(ctx context.Context, db *gorm.DB, userID string) error {
	return db.WithContext(ctx).Create(&domain.AllowedUser{
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}).Error
}

// CountAllowedUsers returns the number of distinct authenticated users.
func CountAllowedUsers(ctx context.Context, db *gorm.DB) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.AllowedUser{}).
		Distinct("user_id").
		Count(&n).Error
	return n, err
}

// Package domain defines the persistence models for the relay: the
// allow-list of authenticated users, each user's persona selection, the
// per-(user, persona) transcript documents and their archived copies. These
// types are mapped with GORM and form the core data layer of the bot.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Role tags a Turn as authored by the end user or by the assistant.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in a transcript. The JSON shape ({role, content}) is
// the on-disk document format and also what completion backends receive.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// AllowedUser is one row of the authentication allow-list. Rows are only
// ever appended; duplicates are tolerated and membership is an EXISTS check.
type AllowedUser struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"type:varchar(64);not null;index:idx_allowed_user"`
	CreatedAt time.Time `gorm:"not null"`
}

// TableName returns the database table name for AllowedUser.
func (AllowedUser) TableName() string { return "allowed_users" }

// PersonaSelection stores the persona a user last switched to.
type PersonaSelection struct {
	UserID    string    `gorm:"type:varchar(64);primaryKey"`
	Persona   string    `gorm:"type:varchar(32);not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName returns the database table name for PersonaSelection.
func (PersonaSelection) TableName() string { return "persona_selections" }

// Transcript is the live history document for one (user, persona) pair.
//
// Fields:
//   - UserID, Persona: composite primary key.
//   - Turns: ordered JSON array of {role, content}.
//   - Length: number of turns in the document, kept for cheap stats.
//   - UpdatedAt: last overwrite.
type Transcript struct {
	UserID    string         `gorm:"type:varchar(64);primaryKey"`
	Persona   string         `gorm:"type:varchar(32);primaryKey"`
	Turns     datatypes.JSON `gorm:"not null"`
	Length    int            `gorm:"not null;default:0"`
	UpdatedAt time.Time      `gorm:"not null;index"`
}

// TableName returns the database table name for Transcript.
func (Transcript) TableName() string { return "transcripts" }

// TranscriptArchive is a retired transcript moved aside by a history reset.
// Name carries the archive timestamp plus a random tail so two resets within
// the same second never collide.
type TranscriptArchive struct {
	ID         string         `json:"id"          gorm:"type:char(36);primaryKey"`
	Name       string         `json:"name"        gorm:"type:varchar(160);not null;uniqueIndex"`
	UserID     string         `json:"user_id"     gorm:"type:varchar(64);not null;index:idx_archive_user,priority:1"`
	Persona    string         `json:"persona"     gorm:"type:varchar(32);not null"`
	Turns      datatypes.JSON `json:"turns"       gorm:"not null"`
	Length     int            `json:"length"      gorm:"not null;default:0"`
	ArchivedAt time.Time      `json:"archived_at" gorm:"not null;index:idx_archive_user,priority:2"`
}

// TableName returns the database table name for TranscriptArchive.
func (TranscriptArchive) TableName() string { return "transcript_archives" }

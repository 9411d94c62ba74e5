package models

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// BaseModel provides common fields and auto-generated ULID for all models
type BaseModel struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(26)"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// BeforeCreate generates a ULID for the ID field if it's empty
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = ulid.Make().String()
	}
	return nil
}

// Profile is the application's record of a user of the auth service.
// Users themselves live in the auth service; this only keys on their ID.
type Profile struct {
	BaseModel
	UserID      string    `json:"user_id" gorm:"type:varchar(64);uniqueIndex;not null"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// AuthEvent records a sign-in or sign-out performed through the server
type AuthEvent struct {
	BaseModel
	UserID    string `json:"user_id" gorm:"type:varchar(64);index;not null"`
	Event     string `json:"event" gorm:"not null"` // SIGNED_IN, SIGNED_OUT
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent"`
}

// AutoMigrate runs database migrations for all models
func AutoMigrate(db *gorm.DB) error {
	// Collect all models
	models := []interface{}{
		&Profile{}, &AuthEvent{},
	}

	return db.AutoMigrate(models...)
}

// FindProfile loads the profile of userID, returning gorm.ErrRecordNotFound if absent
func FindProfile(db *gorm.DB, userID string) (*Profile, error) {
	var profile Profile
	if err := db.Where("user_id = ?", userID).First(&profile).Error; err != nil {
		return nil, err
	}
	return &profile, nil
}

// EnsureProfile returns the profile of userID, creating it on first use
func EnsureProfile(db *gorm.DB, userID, email string) (*Profile, error) {
	profile, err := FindProfile(db, userID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	profile = &Profile{UserID: userID, Email: email}
	if err := db.Create(profile).Error; err != nil {
		return nil, err
	}
	return profile, nil
}

// RecordAuthEvent appends an entry to the auth event log
func RecordAuthEvent(db *gorm.DB, event *AuthEvent) error {
	return db.Create(event).Error
}

// PruneAuthEvents deletes auth events created before cutoff and returns how many were removed
func PruneAuthEvents(db *gorm.DB, cutoff time.Time) (int64, error) {
	result := db.Where("created_at < ?", cutoff).Delete(&AuthEvent{})
	return result.RowsAffected, result.Error
}

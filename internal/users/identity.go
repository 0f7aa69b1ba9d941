package users

import (
	"strings"
	"time"
)

// Identity links a wallet subject key to one X account.
type Identity struct {
	ExternalUserID string    `gorm:"column:external_user_id;primaryKey;size:64;not null"`
	SubjectKey     string    `gorm:"column:subject_key;size:190;not null;index"`
	Handle         string    `gorm:"column:handle;size:64"`
	HandleKey      string    `gorm:"column:handle_key;size:64;index"`
	DisplayName    string    `gorm:"column:display_name;size:320"`
	IsVerified     bool      `gorm:"column:is_verified;not null;default:false;index"`
	VerifiedAtMs   int64     `gorm:"column:verified_at_ms;not null;default:0"`
	LastSeenAt     time.Time `gorm:"column:last_seen_at"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing subject identities.
func (Identity) TableName() string {
	return "subject_identities"
}

// VerifiedAt returns the time the identity was last marked verified, zero if never.
func (i Identity) VerifiedAt() time.Time {
	if i.VerifiedAtMs <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(i.VerifiedAtMs).UTC()
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

// NormalizeHandle strips whitespace and a leading @.
func NormalizeHandle(handle string) string {
	return strings.TrimPrefix(normalize(handle), "@")
}

func handleKey(handle string) string {
	return strings.ToLower(NormalizeHandle(handle))
}

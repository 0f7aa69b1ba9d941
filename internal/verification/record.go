package verification

import "time"

// Record is one append-only verification attempt.
type Record struct {
	ID                   string `gorm:"column:id;primaryKey;size:64"`
	SubjectKey           string `gorm:"column:subject_key;size:190;not null;index:idx_verification_subject_created,priority:1"`
	ExternalUserID       string `gorm:"column:external_user_id;size:64;not null;index"`
	Handle               string `gorm:"column:handle;size:64"`
	FollowedTarget       bool   `gorm:"column:followed_target;not null"`
	PostedRequiredPhrase bool   `gorm:"column:posted_required_phrase;not null"`
	MatchedPostID        string `gorm:"column:matched_post_id;size:64"`
	Points               int64  `gorm:"column:points;not null"`
	FollowError          string `gorm:"column:follow_error;size:64"`
	PostError            string `gorm:"column:post_error;size:64"`
	VerifiedAtMs         int64  `gorm:"column:verified_at_ms;not null;default:0"`
	CreatedAtMs          int64  `gorm:"column:created_at_ms;not null;index:idx_verification_subject_created,priority:2"`
}

// TableName exposes the table backing verification records.
func (Record) TableName() string {
	return "verification_records"
}

// CreatedAt returns the creation time.
func (r Record) CreatedAt() time.Time {
	return time.UnixMilli(r.CreatedAtMs).UTC()
}

// Passed reports whether both checks succeeded.
func (r Record) Passed() bool {
	return r.FollowedTarget && r.PostedRequiredPhrase
}

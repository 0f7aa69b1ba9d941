package ledger

// Kind names a score award category.
type Kind string

const (
	KindFollow       Kind = "follow_ok"
	KindReply        Kind = "reply_ok"
	KindRibbit       Kind = "ribbit"
	KindRibbitTagged Kind = "ribbit_tag"
)

// Policy decides when a second award of the same kind is accepted.
type Policy int

const (
	// PolicyOneTime accepts at most one event per user, ever.
	PolicyOneTime Policy = iota + 1
	// PolicyWindowed accepts at most one event per user inside the trailing scan window.
	PolicyWindowed
)

// Policy reports the acceptance policy of k.
func (k Kind) Policy() (Policy, bool) {
	switch k {
	case KindFollow, KindReply:
		return PolicyOneTime, true
	case KindRibbit, KindRibbitTagged:
		return PolicyWindowed, true
	default:
		return 0, false
	}
}

func (k Kind) String() string {
	return string(k)
}

// ScoreEvent is one immutable point award.
type ScoreEvent struct {
	ID             string `gorm:"column:id;primaryKey;size:64"`
	ExternalUserID string `gorm:"column:external_user_id;size:64;not null;uniqueIndex:idx_score_events_award,priority:1;index:idx_score_events_user_kind,priority:1"`
	Kind           string `gorm:"column:kind;size:32;not null;index:idx_score_events_user_kind,priority:2"`
	AwardKey       string `gorm:"column:award_key;size:128;not null;uniqueIndex:idx_score_events_award,priority:2"`
	Delta          int64  `gorm:"column:delta;not null"`
	EvidenceRef    string `gorm:"column:evidence_ref;size:128"`
	Notes          string `gorm:"column:notes;size:512"`
	CreatedAtMs    int64  `gorm:"column:created_at_ms;not null;index:idx_score_events_user_kind,priority:3"`
}

// TableName exposes the table backing score events.
func (ScoreEvent) TableName() string {
	return "score_events"
}

// LeaderboardEntry is the running total for one external user.
type LeaderboardEntry struct {
	ExternalUserID       string `gorm:"column:external_user_id;primaryKey;size:64"`
	Points               int64  `gorm:"column:points;not null;default:0;index:idx_leaderboard_order,priority:1"`
	UpdatedAtMs          int64  `gorm:"column:updated_at_ms;not null;index:idx_leaderboard_order,priority:2"`
	LastScanAtMs         int64  `gorm:"column:last_scan_at_ms;not null;default:0"`
	LastRibbitAtMs       int64  `gorm:"column:last_ribbit_at_ms;not null;default:0"`
	LastTaggedRibbitAtMs int64  `gorm:"column:last_tagged_ribbit_at_ms;not null;default:0"`
	CreatedAtMs          int64  `gorm:"column:created_at_ms;not null"`
}

// TableName exposes the table backing leaderboard entries.
func (LeaderboardEntry) TableName() string {
	return "leaderboard_entries"
}

// Models lists the tables owned by the ledger.
func Models() []any {
	return []any{&ScoreEvent{}, &LeaderboardEntry{}}
}

func awardKey(kind Kind, policy Policy, eventID string) string {
	if policy == PolicyOneTime {
		return string(kind)
	}
	return string(kind) + ":" + eventID
}

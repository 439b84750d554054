package domain

import "time"

// AnswerPath records which branch of the pipeline produced the answer.
type AnswerPath string

const (
	PathInScope    AnswerPath = "in_scope"
	PathOutOfScope AnswerPath = "out_of_scope"
	PathFallback   AnswerPath = "fallback"
)

// MessageRecord is a single persisted exchange. It is append only.
type MessageRecord struct {
	ID              string
	ConversationID  string
	ClassID         string
	ActivityID      string
	UserID          string
	Question        string
	Answer          string
	Sources         []string
	ChunksRetrieved int
	OutOfScope      bool
	Path            AnswerPath
	ResponseTimeMS  int64
	ActivityTitle   string
	ScopeReason     string
	CreatedAt       time.Time
}

// UsageKey identifies a daily usage aggregate row. ActivityID is empty when
// no activity was selected.
type UsageKey struct {
	ClassID    string
	ActivityID string
	Date       string
}

// UsageKeyFor returns the aggregate key for rec, bucketed by UTC day.
func UsageKeyFor(rec MessageRecord) UsageKey {
	return UsageKey{
		ClassID:    rec.ClassID,
		ActivityID: rec.ActivityID,
		Date:       rec.CreatedAt.UTC().Format("2006-01-02"),
	}
}

package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Answers a participant may give for a query image.
const (
	AnswerPositive = "positive"
	AnswerNegative = "negative"
)

// RawItem is one entry of a category pool document as deployed with the study.
type RawItem struct {
	TestID    string    `json:"test_id"`
	UID       string    `json:"uid,omitempty"`
	Concept   string    `json:"concept"`
	ConceptUI string    `json:"concept_ui"`
	Category  string    `json:"category,omitempty"`
	Images    RawImages `json:"images"`
}

// RawImages lists pool-relative asset paths.
type RawImages struct {
	Pos       []string `json:"pos"`
	Neg       []string `json:"neg"`
	TestFiles string   `json:"testfiles,omitempty"`
}

// Question is a RawItem resolved against the deployed asset tree.
type Question struct {
	ID             string   `json:"id"`
	Concept        string   `json:"concept"`
	Category       string   `json:"category"`
	PositiveImages []string `json:"positiveImages"`
	NegativeImages []string `json:"negativeImages"`
	QueryImage     string   `json:"queryImage"`
}

// IsNegativeInstance reports whether the identifier encodes a negative ground truth.
func IsNegativeInstance(questionID string) bool {
	return strings.Contains(questionID, "_neg")
}

// ExpectedAnswer is the ground-truth answer encoded in the identifier polarity.
func ExpectedAnswer(questionID string) string {
	if IsNegativeInstance(questionID) {
		return AnswerNegative
	}
	return AnswerPositive
}

// IsCorrect compares an answer against the identifier polarity.
func IsCorrect(questionID, answer string) bool {
	return ExpectedAnswer(questionID) == answer
}

// ValidAnswer reports whether answer is one of the two accepted labels.
func ValidAnswer(answer string) bool {
	return answer == AnswerPositive || answer == AnswerNegative
}

// Participant is a registered study participant.
type Participant struct {
	ID               int64           `json:"id,omitempty"`
	ParticipantID    string          `json:"participant_id"`
	Email            *string         `json:"email"`
	EnrollmentNumber *string         `json:"enrollment_number"`
	AssignedGroup    int             `json:"assigned_group"`
	Consent          bool            `json:"consent"`
	ShareData        bool            `json:"share_data"`
	NPerCategory     int             `json:"n_per_category"`
	Metadata         json.RawMessage `json:"metadata_json,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Session is one run through a frozen assignment.
type Session struct {
	ID             string            `json:"id"`
	ParticipantID  string            `json:"participant_id"`
	AssignedGroup  int               `json:"assigned_group"`
	TotalQuestions int               `json:"total_questions"`
	Assignment     []string          `json:"assignment_json"`
	CategoryMap    map[string]string `json:"category_map"`
	CurrentIndex   int               `json:"current_index"`
	Progress       int               `json:"progress"`
	Completed      bool              `json:"completed"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	CompletedAt    *time.Time        `json:"completed_at"`
}

// SessionPatch is a partial update of the mutable session fields.
type SessionPatch struct {
	CurrentIndex *int
	Progress     *int
	Completed    *bool
}

// Response is a single recorded answer.
type Response struct {
	ID             int64           `json:"id"`
	ParticipantID  string          `json:"participant_id"`
	SessionID      string          `json:"session_id"`
	QuestionID     string          `json:"question_id"`
	Category       string          `json:"category"`
	AssignedGroup  int             `json:"assigned_group"`
	Answer         string          `json:"answer"`
	IsCorrect      bool            `json:"is_correct"`
	ReactionTime   float64         `json:"reaction_time"`
	QuestionNumber int             `json:"question_number"`
	MouseData      json.RawMessage `json:"mouse_data_json,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Invite maps a short code to a pre-registered participant.
type Invite struct {
	Code          string     `json:"invite_code"`
	ParticipantID string     `json:"participant_id"`
	Email         string     `json:"email"`
	AssignedGroup int        `json:"assigned_group"`
	Used          bool       `json:"used"`
	UsedAt        *time.Time `json:"used_at"`
	ExpiresAt     *time.Time `json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Expired reports whether the invite is past its expiry at now.
func (i Invite) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && i.ExpiresAt.Before(now)
}

// ProgressEvent is published whenever a session's resume point is persisted.
type ProgressEvent struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	CurrentIndex  int    `json:"current_index"`
	Progress      int    `json:"progress"`
	Completed     bool   `json:"completed"`
}

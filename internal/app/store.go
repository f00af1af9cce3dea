package app

import (
	"context"
	"time"

	"bongard-study-service/internal/domain"
)

// ParticipantStore persists participants keyed by participant_id.
type ParticipantStore interface {
	// UpsertParticipant inserts or replaces the participant with the same
	// participant_id. A nil email, enrollment or metadata keeps the stored value.
	UpsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error)
	GetParticipant(ctx context.Context, participantID string) (domain.Participant, error)
	FindParticipantByEmail(ctx context.Context, email string) (domain.Participant, error)
	FindParticipantByEnrollment(ctx context.Context, enrollment string) (domain.Participant, error)
}

// SessionStore persists sessions. Implementations must reject a second
// incomplete session for the same participant with domain.ErrConstraintViolation.
type SessionStore interface {
	InsertSession(ctx context.Context, s domain.Session) (domain.Session, error)
	GetSession(ctx context.Context, id string) (domain.Session, error)
	GetIncompleteSession(ctx context.Context, participantID string) (domain.Session, error)
	GetLatestSession(ctx context.Context, participantID string) (domain.Session, error)
	// UpdateSession applies patch, stamps last_activity_at with at and, when the
	// patch completes the session, sets completed_at unless it is already set.
	// current_index and progress of an already completed session are left as is.
	UpdateSession(ctx context.Context, id string, patch domain.SessionPatch, at time.Time) (domain.Session, error)
	// AdvanceSession moves the resume point forward only: current_index and
	// progress never decrease and stay untouched once the session is completed.
	// complete marks the session completed; it is never unset.
	AdvanceSession(ctx context.Context, id string, next, progress int, complete bool, at time.Time) (domain.Session, error)
}

// ResponseStore persists responses. Implementations must reject a second
// response for the same (session, question, participant) with
// domain.ErrConstraintViolation.
type ResponseStore interface {
	FindResponse(ctx context.Context, sessionID, questionID, participantID string) (domain.Response, error)
	InsertResponse(ctx context.Context, r domain.Response) (domain.Response, error)
	// ListResponses returns the session's responses in creation order.
	ListResponses(ctx context.Context, sessionID string) ([]domain.Response, error)
}

// InviteStore persists invite codes.
type InviteStore interface {
	InsertInvite(ctx context.Context, inv domain.Invite) (domain.Invite, error)
	GetInvite(ctx context.Context, code string) (domain.Invite, error)
	MarkInviteUsed(ctx context.Context, code string, at time.Time) error
}

// Store bundles every persistence concern of the study.
type Store interface {
	ParticipantStore
	SessionStore
	ResponseStore
	InviteStore
}

// CreationGuard serialises session creation per key across requests.
type CreationGuard interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

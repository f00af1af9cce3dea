package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"bongard-study-service/internal/assignment"
	"bongard-study-service/internal/config"
	"bongard-study-service/internal/domain"
	"github.com/google/uuid"
)

// DefaultStoreTimeout bounds every store round trip of a use case.
const DefaultStoreTimeout = 5 * time.Second

// StudyService contains the participant, session and response use cases.
type StudyService struct {
	store   Store
	builder *assignment.Builder
	study   config.Study
	guard   CreationGuard
	hub     *ProgressHub
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger
}

// ServiceOption customises a StudyService.
type ServiceOption func(*StudyService)

func WithCreationGuard(g CreationGuard) ServiceOption {
	return func(s *StudyService) { s.guard = g }
}

func WithProgressHub(h *ProgressHub) ServiceOption {
	return func(s *StudyService) { s.hub = h }
}

func WithStoreTimeout(d time.Duration) ServiceOption {
	return func(s *StudyService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock is used by tests for deterministic timestamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *StudyService) { s.now = now }
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *StudyService) { s.log = l }
}

func NewStudyService(store Store, builder *assignment.Builder, opts ...ServiceOption) *StudyService {
	s := &StudyService{
		store:   store,
		builder: builder,
		study:   builder.Study(),
		timeout: DefaultStoreTimeout,
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Study returns the injected study configuration.
func (s *StudyService) Study() config.Study {
	return s.study
}

func (s *StudyService) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *StudyService) nowUTC() time.Time {
	return s.now().UTC()
}

// ParticipantInput is the registration payload.
type ParticipantInput struct {
	ParticipantID    string
	Email            string
	EnrollmentNumber string
	AssignedGroup    int
	Consent          *bool
	ShareData        *bool
	NPerCategory     *int
	Metadata         json.RawMessage
}

// RegisterParticipant creates or updates a participant keyed by the first
// non-empty of participant id, email and enrollment number.
func (s *StudyService) RegisterParticipant(ctx context.Context, in ParticipantInput) (domain.Participant, error) {
	pid := firstNonEmpty(in.ParticipantID, in.Email, in.EnrollmentNumber)
	if pid == "" {
		return domain.Participant{}, domain.Validationf("one of participant_id, email or enrollment_number is required")
	}
	if !s.study.SupportsGroup(in.AssignedGroup) {
		return domain.Participant{}, domain.Configurationf("group %d is not supported", in.AssignedGroup)
	}
	n := s.study.NPerCategory
	if in.NPerCategory != nil {
		if *in.NPerCategory <= 0 {
			return domain.Participant{}, domain.Validationf("n_per_category must be positive")
		}
		n = *in.NPerCategory
	}
	if len(in.Metadata) > 0 && !json.Valid(in.Metadata) {
		return domain.Participant{}, domain.Validationf("metadata_json is not valid JSON")
	}

	now := s.nowUTC()
	p := domain.Participant{
		ParticipantID:    pid,
		Email:            optional(in.Email),
		EnrollmentNumber: optional(in.EnrollmentNumber),
		AssignedGroup:    in.AssignedGroup,
		Consent:          in.Consent != nil && *in.Consent,
		ShareData:        in.ShareData != nil && *in.ShareData,
		NPerCategory:     n,
		Metadata:         in.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()
	saved, err := s.store.UpsertParticipant(ctx, p)
	if err != nil {
		return domain.Participant{}, err
	}
	return saved, nil
}

// GetParticipant looks a participant up by identifier.
func (s *StudyService) GetParticipant(ctx context.Context, participantID string) (domain.Participant, error) {
	if strings.TrimSpace(participantID) == "" {
		return domain.Participant{}, domain.Validationf("participant_id is required")
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.store.GetParticipant(ctx, participantID)
}

// AssignmentView is what a client needs to start a session.
type AssignmentView struct {
	ParticipantID  string            `json:"participant_id"`
	AssignedGroup  int               `json:"assigned_group"`
	TotalQuestions int               `json:"total_questions"`
	Questions      []domain.Question `json:"questions"`
	Assignment     []string          `json:"assignment_json"`
	CategoryMap    map[string]string `json:"category_map"`
}

// BuildAssignment builds the participant's quiz. Groups outside concept_groups
// receive the same questions with the concept label removed.
func (s *StudyService) BuildAssignment(ctx context.Context, participantID string, group int) (AssignmentView, error) {
	if strings.TrimSpace(participantID) == "" {
		return AssignmentView{}, domain.Validationf("participant_id is required")
	}
	a, err := s.builder.Build(ctx, participantID, group)
	if err != nil {
		return AssignmentView{}, err
	}
	questions := a.Questions
	if !s.study.ShowsConcept(group) {
		questions = make([]domain.Question, len(a.Questions))
		for i, q := range a.Questions {
			q.Concept = ""
			questions[i] = q
		}
	}
	return AssignmentView{
		ParticipantID:  participantID,
		AssignedGroup:  group,
		TotalQuestions: len(questions),
		Questions:      questions,
		Assignment:     a.IDs(),
		CategoryMap:    a.CategoryMap(),
	}, nil
}

// NewSessionInput is the session creation payload.
type NewSessionInput struct {
	ParticipantID  string
	AssignedGroup  int
	TotalQuestions int
	Assignment     []string
	CategoryMap    map[string]string
}

func (in NewSessionInput) validate() error {
	var missing []string
	if strings.TrimSpace(in.ParticipantID) == "" {
		missing = append(missing, "participant_id")
	}
	if in.AssignedGroup == 0 {
		missing = append(missing, "assigned_group")
	}
	if in.TotalQuestions == 0 {
		missing = append(missing, "total_questions")
	}
	if len(in.Assignment) == 0 {
		missing = append(missing, "assignment_json")
	}
	if len(missing) > 0 {
		return domain.Validationf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if in.TotalQuestions != len(in.Assignment) {
		return domain.Validationf("total_questions is %d but assignment_json has %d entries", in.TotalQuestions, len(in.Assignment))
	}
	seen := make(map[string]struct{}, len(in.Assignment))
	for _, id := range in.Assignment {
		if id == "" {
			return domain.Validationf("assignment_json contains an empty question id")
		}
		if _, dup := seen[id]; dup {
			return domain.Validationf("assignment_json lists %q twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// StartSession returns the participant's incomplete session when one exists and
// creates one otherwise. A lost creation race is resolved by reading the
// winner back.
func (s *StudyService) StartSession(ctx context.Context, in NewSessionInput) (domain.Session, error) {
	if err := in.validate(); err != nil {
		return domain.Session{}, err
	}
	if !s.study.SupportsGroup(in.AssignedGroup) {
		return domain.Session{}, domain.Configurationf("group %d is not supported", in.AssignedGroup)
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	if s.guard != nil {
		unlock, err := s.guard.Lock(ctx, "session:create:"+in.ParticipantID)
		if err != nil {
			return domain.Session{}, err
		}
		defer unlock()
	}

	existing, err := s.store.GetIncompleteSession(ctx, in.ParticipantID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Session{}, err
	}

	categoryMap := in.CategoryMap
	if categoryMap == nil {
		categoryMap = map[string]string{}
	}
	now := s.nowUTC()
	created, err := s.store.InsertSession(ctx, domain.Session{
		ID:             uuid.NewString(),
		ParticipantID:  in.ParticipantID,
		AssignedGroup:  in.AssignedGroup,
		TotalQuestions: in.TotalQuestions,
		Assignment:     append([]string(nil), in.Assignment...),
		CategoryMap:    categoryMap,
		StartedAt:      now,
		LastActivityAt: now,
	})
	if errors.Is(err, domain.ErrConstraintViolation) {
		s.log.Info("session creation raced, returning existing session", "participant_id", in.ParticipantID)
		return s.store.GetIncompleteSession(ctx, in.ParticipantID)
	}
	if err != nil {
		return domain.Session{}, err
	}
	s.publish(created)
	return created, nil
}

// LatestSession returns the participant's most recently started session.
func (s *StudyService) LatestSession(ctx context.Context, participantID string) (domain.Session, error) {
	if strings.TrimSpace(participantID) == "" {
		return domain.Session{}, domain.Validationf("participant_id is required")
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.store.GetLatestSession(ctx, participantID)
}

// ResumeSession returns the participant's incomplete session with its resume
// point recomputed from the recorded answers. It returns nil when there is
// nothing to resume, including when every question turns out to be answered.
func (s *StudyService) ResumeSession(ctx context.Context, participantID string) (*domain.Session, error) {
	if strings.TrimSpace(participantID) == "" {
		return nil, domain.Validationf("participant_id is required")
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	sess, err := s.store.GetIncompleteSession(ctx, participantID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	responses, err := s.store.ListResponses(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	next := Reconcile(sess.Assignment, AnsweredSet(responses), 0)
	sess, err = s.persistPosition(ctx, sess, next)
	if err != nil {
		return nil, err
	}
	if sess.Completed {
		return nil, nil
	}
	return &sess, nil
}

// UpdateSession applies a client patch. current_index and progress are bounded
// and completed may only be raised; last_activity_at is always stamped.
func (s *StudyService) UpdateSession(ctx context.Context, id string, patch domain.SessionPatch) (domain.Session, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if patch.CurrentIndex != nil && (*patch.CurrentIndex < 0 || *patch.CurrentIndex > sess.TotalQuestions) {
		return domain.Session{}, domain.Validationf("current_index must be within [0, %d]", sess.TotalQuestions)
	}
	if patch.Progress != nil && (*patch.Progress < 0 || *patch.Progress > 100) {
		return domain.Session{}, domain.Validationf("progress must be within [0, 100]")
	}
	if patch.Completed != nil && !*patch.Completed && sess.Completed {
		return domain.Session{}, domain.Validationf("a completed session cannot be reopened")
	}
	updated, err := s.store.UpdateSession(ctx, id, patch, s.nowUTC())
	if err != nil {
		return domain.Session{}, err
	}
	s.publish(updated)
	return updated, nil
}

// CompleteSession marks the session completed. Completing an already completed
// session returns it unchanged.
func (s *StudyService) CompleteSession(ctx context.Context, id string) (domain.Session, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	if sess.Completed {
		return sess, nil
	}
	done := true
	updated, err := s.store.UpdateSession(ctx, id, domain.SessionPatch{Completed: &done}, s.nowUTC())
	if err != nil {
		return domain.Session{}, err
	}
	s.publish(updated)
	return updated, nil
}

// SessionResponses lists a session's responses in creation order.
func (s *StudyService) SessionResponses(ctx context.Context, sessionID string) ([]domain.Response, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListResponses(ctx, sessionID)
}

// ResponseInput is the response submission payload. Correctness is decided by
// the caller.
type ResponseInput struct {
	ParticipantID  string
	SessionID      string
	QuestionID     string
	Category       string
	AssignedGroup  *int
	Answer         string
	IsCorrect      bool
	ReactionTime   float64
	QuestionNumber int
	MouseData      json.RawMessage
}

func (in ResponseInput) validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"participant_id", in.ParticipantID},
		{"session_id", in.SessionID},
		{"question_id", in.QuestionID},
		{"category", in.Category},
		{"answer", in.Answer},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if in.AssignedGroup == nil {
		missing = append(missing, "assigned_group")
	}
	if len(missing) > 0 {
		return domain.Validationf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if !domain.ValidAnswer(in.Answer) {
		return domain.Validationf("invalid answer %q, must be 'positive' or 'negative'", in.Answer)
	}
	if in.ReactionTime < 0 {
		return domain.Validationf("reaction_time must not be negative")
	}
	if len(in.MouseData) > 0 && !json.Valid(in.MouseData) {
		return domain.Validationf("mouse_data_json is not valid JSON")
	}
	return nil
}

// RecordResponse stores the answer once per (session, question, participant)
// and returns the stored record on repeats. Afterwards the session's resume
// point is advanced; a failure there is logged and does not fail the write.
func (s *StudyService) RecordResponse(ctx context.Context, in ResponseInput) (domain.Response, error) {
	if err := in.validate(); err != nil {
		return domain.Response{}, err
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	sess, err := s.store.GetSession(ctx, in.SessionID)
	if err != nil {
		return domain.Response{}, err
	}
	if sess.ParticipantID != in.ParticipantID {
		return domain.Response{}, domain.Validationf("session %s does not belong to participant %s", sess.ID, in.ParticipantID)
	}
	position := indexOf(sess.Assignment, in.QuestionID)
	if position < 0 {
		return domain.Response{}, domain.Validationf("question %s is not part of session %s", in.QuestionID, sess.ID)
	}

	resp, err := s.store.FindResponse(ctx, in.SessionID, in.QuestionID, in.ParticipantID)
	switch {
	case err == nil:
		s.log.Info("duplicate response ignored", "session_id", in.SessionID, "question_id", in.QuestionID)
	case errors.Is(err, domain.ErrNotFound):
		number := in.QuestionNumber
		if number <= 0 {
			number = position + 1
		}
		resp, err = s.store.InsertResponse(ctx, domain.Response{
			ParticipantID:  in.ParticipantID,
			SessionID:      in.SessionID,
			QuestionID:     in.QuestionID,
			Category:       in.Category,
			AssignedGroup:  *in.AssignedGroup,
			Answer:         in.Answer,
			IsCorrect:      in.IsCorrect,
			ReactionTime:   in.ReactionTime,
			QuestionNumber: number,
			MouseData:      in.MouseData,
			CreatedAt:      s.nowUTC(),
		})
		if errors.Is(err, domain.ErrConstraintViolation) {
			resp, err = s.store.FindResponse(ctx, in.SessionID, in.QuestionID, in.ParticipantID)
		}
		if err != nil {
			return domain.Response{}, err
		}
	default:
		return domain.Response{}, err
	}

	if err := s.advance(ctx, sess); err != nil {
		s.log.Error("failed to advance session", "session_id", sess.ID, "error", err)
	}
	return resp, nil
}

func (s *StudyService) advance(ctx context.Context, sess domain.Session) error {
	if sess.Completed {
		return nil
	}
	responses, err := s.store.ListResponses(ctx, sess.ID)
	if err != nil {
		return err
	}
	next := Advance(sess.Assignment, AnsweredSet(responses), sess.CurrentIndex)
	total := len(sess.Assignment)
	// sess may be stale when answers for the same session race; the store
	// only ever moves the position forward.
	updated, err := s.store.AdvanceSession(ctx, sess.ID, next, Progress(next, total), next >= total, s.nowUTC())
	if err != nil {
		return err
	}
	s.publish(updated)
	return nil
}

// persistPosition stores current_index and progress for next and completes the
// session once next reaches the end of the assignment. Only a position below
// the stored one is written as an exact patch.
func (s *StudyService) persistPosition(ctx context.Context, sess domain.Session, next int) (domain.Session, error) {
	total := len(sess.Assignment)
	progress := Progress(next, total)
	if sess.CurrentIndex == next && sess.Progress == progress && next < total {
		return sess, nil
	}
	var (
		updated domain.Session
		err     error
	)
	if next < sess.CurrentIndex {
		updated, err = s.store.UpdateSession(ctx, sess.ID, domain.SessionPatch{CurrentIndex: &next, Progress: &progress}, s.nowUTC())
	} else {
		updated, err = s.store.AdvanceSession(ctx, sess.ID, next, progress, next >= total, s.nowUTC())
	}
	if err != nil {
		return domain.Session{}, err
	}
	s.publish(updated)
	return updated, nil
}

func (s *StudyService) publish(sess domain.Session) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(domain.ProgressEvent{
		SessionID:     sess.ID,
		ParticipantID: sess.ParticipantID,
		CurrentIndex:  sess.CurrentIndex,
		Progress:      sess.Progress,
		Completed:     sess.Completed,
	})
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

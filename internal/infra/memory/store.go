package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"bongard-study-service/internal/domain"
)

// Store is an in-memory implementation of app.Store with the same uniqueness
// rules as the SQL schema.
type Store struct {
	mu           sync.RWMutex
	participants map[string]domain.Participant
	nextPartID   int64
	sessions     map[string]domain.Session
	sessionOrder []string
	responses    []domain.Response
	nextRespID   int64
	invites      map[string]domain.Invite
}

func NewStore() *Store {
	return &Store{
		participants: make(map[string]domain.Participant),
		sessions:     make(map[string]domain.Session),
		invites:      make(map[string]domain.Invite),
	}
}

func (s *Store) UpsertParticipant(_ context.Context, p domain.Participant) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.participants[p.ParticipantID]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
		if p.Email == nil {
			p.Email = existing.Email
		}
		if p.EnrollmentNumber == nil {
			p.EnrollmentNumber = existing.EnrollmentNumber
		}
		if len(p.Metadata) == 0 {
			p.Metadata = existing.Metadata
		}
	} else {
		s.nextPartID++
		p.ID = s.nextPartID
	}
	s.participants[p.ParticipantID] = p
	return p, nil
}

func (s *Store) GetParticipant(_ context.Context, participantID string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[participantID]
	if !ok {
		return domain.Participant{}, domain.NotFound("participant")
	}
	return p, nil
}

func (s *Store) FindParticipantByEmail(_ context.Context, email string) (domain.Participant, error) {
	return s.findParticipant(func(p domain.Participant) bool { return p.Email != nil && *p.Email == email })
}

func (s *Store) FindParticipantByEnrollment(_ context.Context, enrollment string) (domain.Participant, error) {
	return s.findParticipant(func(p domain.Participant) bool {
		return p.EnrollmentNumber != nil && *p.EnrollmentNumber == enrollment
	})
}

func (s *Store) findParticipant(match func(domain.Participant) bool) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *domain.Participant
	for _, p := range s.participants {
		if match(p) && (found == nil || p.ID < found.ID) {
			p := p
			found = &p
		}
	}
	if found == nil {
		return domain.Participant{}, domain.NotFound("participant")
	}
	return *found, nil
}

func (s *Store) InsertSession(_ context.Context, sess domain.Session) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return domain.Session{}, domain.ErrConstraintViolation
	}
	if !sess.Completed {
		if _, ok := s.incompleteLocked(sess.ParticipantID); ok {
			return domain.Session{}, domain.ErrConstraintViolation
		}
	}
	sess = cloneSession(sess)
	s.sessions[sess.ID] = sess
	s.sessionOrder = append(s.sessionOrder, sess.ID)
	return cloneSession(sess), nil
}

func (s *Store) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.NotFound("session")
	}
	return cloneSession(sess), nil
}

func (s *Store) GetIncompleteSession(_ context.Context, participantID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.incompleteLocked(participantID)
	if !ok {
		return domain.Session{}, domain.NotFound("session")
	}
	return cloneSession(sess), nil
}

func (s *Store) incompleteLocked(participantID string) (domain.Session, bool) {
	for i := len(s.sessionOrder) - 1; i >= 0; i-- {
		sess := s.sessions[s.sessionOrder[i]]
		if sess.ParticipantID == participantID && !sess.Completed {
			return sess, true
		}
	}
	return domain.Session{}, false
}

func (s *Store) GetLatestSession(_ context.Context, participantID string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.Session
	for _, id := range s.sessionOrder {
		sess := s.sessions[id]
		if sess.ParticipantID != participantID {
			continue
		}
		if latest == nil || !sess.StartedAt.Before(latest.StartedAt) {
			latest = &sess
		}
	}
	if latest == nil {
		return domain.Session{}, domain.NotFound("session")
	}
	return cloneSession(*latest), nil
}

func (s *Store) UpdateSession(_ context.Context, id string, patch domain.SessionPatch, at time.Time) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.NotFound("session")
	}
	if !sess.Completed {
		if patch.CurrentIndex != nil {
			sess.CurrentIndex = *patch.CurrentIndex
		}
		if patch.Progress != nil {
			sess.Progress = *patch.Progress
		}
	}
	if patch.Completed != nil {
		sess.Completed = *patch.Completed
		if sess.Completed && sess.CompletedAt == nil {
			completedAt := at
			sess.CompletedAt = &completedAt
		}
	}
	sess.LastActivityAt = at
	s.sessions[id] = sess
	return cloneSession(sess), nil
}

func (s *Store) AdvanceSession(_ context.Context, id string, next, progress int, complete bool, at time.Time) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.NotFound("session")
	}
	if !sess.Completed {
		sess.CurrentIndex = max(sess.CurrentIndex, next)
		sess.Progress = max(sess.Progress, progress)
		if complete {
			sess.Completed = true
			if sess.CompletedAt == nil {
				completedAt := at
				sess.CompletedAt = &completedAt
			}
		}
	}
	sess.LastActivityAt = at
	s.sessions[id] = sess
	return cloneSession(sess), nil
}

func (s *Store) FindResponse(_ context.Context, sessionID, questionID, participantID string) (domain.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.responses {
		if r.SessionID == sessionID && r.QuestionID == questionID && r.ParticipantID == participantID {
			return r, nil
		}
	}
	return domain.Response{}, domain.NotFound("response")
}

func (s *Store) InsertResponse(_ context.Context, r domain.Response) (domain.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.responses {
		if existing.SessionID == r.SessionID && existing.QuestionID == r.QuestionID && existing.ParticipantID == r.ParticipantID {
			return domain.Response{}, domain.ErrConstraintViolation
		}
	}
	s.nextRespID++
	r.ID = s.nextRespID
	s.responses = append(s.responses, r)
	return r, nil
}

func (s *Store) ListResponses(_ context.Context, sessionID string) ([]domain.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []domain.Response{}
	for _, r := range s.responses {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) InsertInvite(_ context.Context, inv domain.Invite) (domain.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invites[inv.Code]; ok {
		return domain.Invite{}, domain.ErrConstraintViolation
	}
	s.invites[inv.Code] = inv
	return inv, nil
}

func (s *Store) GetInvite(_ context.Context, code string) (domain.Invite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invites[code]
	if !ok {
		return domain.Invite{}, domain.NotFound("invite")
	}
	return inv, nil
}

func (s *Store) MarkInviteUsed(_ context.Context, code string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[code]
	if !ok {
		return domain.NotFound("invite")
	}
	inv.Used = true
	inv.UsedAt = &at
	s.invites[code] = inv
	return nil
}

func cloneSession(sess domain.Session) domain.Session {
	sess.Assignment = slices.Clone(sess.Assignment)
	sess.CategoryMap = maps.Clone(sess.CategoryMap)
	return sess
}

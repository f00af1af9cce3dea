// Package storetest holds the behaviour every app.Store implementation must
// share. Backends call Run from their own tests.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"bongard-study-service/internal/app"
	"bongard-study-service/internal/domain"
	"github.com/stretchr/testify/require"
)

// Run exercises newStore with the shared store contract. newStore must return
// an empty store for every call.
func Run(t *testing.T, newStore func(t *testing.T) app.Store) {
	t.Helper()
	t.Run("ParticipantUpsert", func(t *testing.T) { testParticipantUpsert(t, newStore(t)) })
	t.Run("ParticipantLookup", func(t *testing.T) { testParticipantLookup(t, newStore(t)) })
	t.Run("SingleIncompleteSession", func(t *testing.T) { testSingleIncompleteSession(t, newStore(t)) })
	t.Run("SessionUpdate", func(t *testing.T) { testSessionUpdate(t, newStore(t)) })
	t.Run("SessionAdvance", func(t *testing.T) { testSessionAdvance(t, newStore(t)) })
	t.Run("LatestSession", func(t *testing.T) { testLatestSession(t, newStore(t)) })
	t.Run("UniqueResponse", func(t *testing.T) { testUniqueResponse(t, newStore(t)) })
	t.Run("Invites", func(t *testing.T) { testInvites(t, newStore(t)) })
}

var epoch = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func testParticipantUpsert(t *testing.T, s app.Store) {
	ctx := context.Background()
	created, err := s.UpsertParticipant(ctx, domain.Participant{
		ParticipantID:    "p1",
		Email:            strPtr("p1@example.com"),
		EnrollmentNumber: strPtr("e-100"),
		AssignedGroup:    1,
		Consent:          true,
		NPerCategory:     10,
		Metadata:         json.RawMessage(`{"source":"test"}`),
		CreatedAt:        epoch,
		UpdatedAt:        epoch,
	})
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	updated, err := s.UpsertParticipant(ctx, domain.Participant{
		ParticipantID: "p1",
		AssignedGroup: 2,
		NPerCategory:  5,
		CreatedAt:     epoch.Add(time.Hour),
		UpdatedAt:     epoch.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, created.ID, updated.ID)

	got, err := s.GetParticipant(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 2, got.AssignedGroup)
	require.Equal(t, 5, got.NPerCategory)
	require.NotNil(t, got.Email)
	require.Equal(t, "p1@example.com", *got.Email)
	require.NotNil(t, got.EnrollmentNumber)
	require.Equal(t, "e-100", *got.EnrollmentNumber)

	_, err = s.GetParticipant(ctx, "nobody")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func testParticipantLookup(t *testing.T, s app.Store) {
	ctx := context.Background()
	_, err := s.UpsertParticipant(ctx, domain.Participant{
		ParticipantID:    "pid_1",
		Email:            strPtr("a@example.com"),
		EnrollmentNumber: strPtr("e-1"),
		AssignedGroup:    1,
		CreatedAt:        epoch,
		UpdatedAt:        epoch,
	})
	require.NoError(t, err)

	byEmail, err := s.FindParticipantByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.Equal(t, "pid_1", byEmail.ParticipantID)

	byEnrollment, err := s.FindParticipantByEnrollment(ctx, "e-1")
	require.NoError(t, err)
	require.Equal(t, "pid_1", byEnrollment.ParticipantID)

	_, err = s.FindParticipantByEmail(ctx, "b@example.com")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.FindParticipantByEnrollment(ctx, "e-2")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func newSession(id, pid string, started time.Time) domain.Session {
	return domain.Session{
		ID:             id,
		ParticipantID:  pid,
		AssignedGroup:  1,
		TotalQuestions: 3,
		Assignment:     []string{"q1", "q2_neg", "q3"},
		CategoryMap:    map[string]string{"q1": "bd", "q2_neg": "bd", "q3": "ff"},
		StartedAt:      started,
		LastActivityAt: started,
	}
}

func testSingleIncompleteSession(t *testing.T, s app.Store) {
	ctx := context.Background()
	first, err := s.InsertSession(ctx, newSession("s1", "p1", epoch))
	require.NoError(t, err)
	require.Equal(t, []string{"q1", "q2_neg", "q3"}, first.Assignment)

	_, err = s.InsertSession(ctx, newSession("s2", "p1", epoch.Add(time.Minute)))
	require.ErrorIs(t, err, domain.ErrConstraintViolation)

	_, err = s.InsertSession(ctx, newSession("s3", "p2", epoch))
	require.NoError(t, err, "other participants are unaffected")

	open, err := s.GetIncompleteSession(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "s1", open.ID)
	require.Equal(t, "bd", open.CategoryMap["q2_neg"])

	done := true
	_, err = s.UpdateSession(ctx, "s1", domain.SessionPatch{Completed: &done}, epoch.Add(time.Hour))
	require.NoError(t, err)

	_, err = s.GetIncompleteSession(ctx, "p1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.InsertSession(ctx, newSession("s4", "p1", epoch.Add(2*time.Hour)))
	require.NoError(t, err, "a new session is allowed once the previous one completed")
}

func testSessionUpdate(t *testing.T, s app.Store) {
	ctx := context.Background()
	_, err := s.InsertSession(ctx, newSession("s1", "p1", epoch))
	require.NoError(t, err)

	idx, progress := 2, 67
	at := epoch.Add(time.Minute)
	updated, err := s.UpdateSession(ctx, "s1", domain.SessionPatch{CurrentIndex: &idx, Progress: &progress}, at)
	require.NoError(t, err)
	require.Equal(t, 2, updated.CurrentIndex)
	require.Equal(t, 67, updated.Progress)
	require.False(t, updated.Completed)
	require.Nil(t, updated.CompletedAt)
	require.True(t, updated.LastActivityAt.Equal(at))

	done := true
	completedAt := epoch.Add(2 * time.Minute)
	updated, err = s.UpdateSession(ctx, "s1", domain.SessionPatch{Completed: &done}, completedAt)
	require.NoError(t, err)
	require.True(t, updated.Completed)
	require.NotNil(t, updated.CompletedAt)
	require.True(t, updated.CompletedAt.Equal(completedAt))
	require.Equal(t, 2, updated.CurrentIndex, "unpatched fields are kept")

	again, err := s.UpdateSession(ctx, "s1", domain.SessionPatch{Completed: &done}, epoch.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, again.CompletedAt.Equal(completedAt), "completed_at is set once")

	lower, lowerProgress := 1, 33
	frozen, err := s.UpdateSession(ctx, "s1", domain.SessionPatch{CurrentIndex: &lower, Progress: &lowerProgress}, epoch.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, frozen.CurrentIndex, "a completed session keeps its position")
	require.Equal(t, 67, frozen.Progress)

	_, err = s.UpdateSession(ctx, "missing", domain.SessionPatch{}, at)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetSession(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func testSessionAdvance(t *testing.T, s app.Store) {
	ctx := context.Background()
	_, err := s.InsertSession(ctx, newSession("s1", "p1", epoch))
	require.NoError(t, err)

	at := epoch.Add(time.Minute)
	sess, err := s.AdvanceSession(ctx, "s1", 2, 67, false, at)
	require.NoError(t, err)
	require.Equal(t, 2, sess.CurrentIndex)
	require.Equal(t, 67, sess.Progress)
	require.False(t, sess.Completed)
	require.True(t, sess.LastActivityAt.Equal(at))

	sess, err = s.AdvanceSession(ctx, "s1", 1, 33, false, at.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, sess.CurrentIndex, "position never moves backwards")
	require.Equal(t, 67, sess.Progress)

	completedAt := epoch.Add(time.Hour)
	sess, err = s.AdvanceSession(ctx, "s1", 3, 100, true, completedAt)
	require.NoError(t, err)
	require.True(t, sess.Completed)
	require.Equal(t, 3, sess.CurrentIndex)
	require.Equal(t, 100, sess.Progress)
	require.NotNil(t, sess.CompletedAt)
	require.True(t, sess.CompletedAt.Equal(completedAt))

	// a late writer holding an older view cannot rewind or reopen the session
	sess, err = s.AdvanceSession(ctx, "s1", 2, 67, false, completedAt.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, sess.Completed)
	require.Equal(t, 3, sess.CurrentIndex)
	require.Equal(t, 100, sess.Progress)
	require.True(t, sess.CompletedAt.Equal(completedAt))

	_, err = s.AdvanceSession(ctx, "missing", 1, 33, false, at)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func testLatestSession(t *testing.T, s app.Store) {
	ctx := context.Background()
	_, err := s.GetLatestSession(ctx, "p1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	old := newSession("s-old", "p1", epoch)
	old.Completed = true
	_, err = s.InsertSession(ctx, old)
	require.NoError(t, err)
	_, err = s.InsertSession(ctx, newSession("s-new", "p1", epoch.Add(time.Hour)))
	require.NoError(t, err)

	latest, err := s.GetLatestSession(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "s-new", latest.ID)
}

func testUniqueResponse(t *testing.T, s app.Store) {
	ctx := context.Background()
	_, err := s.InsertSession(ctx, newSession("s1", "p1", epoch))
	require.NoError(t, err)

	resp := domain.Response{
		ParticipantID:  "p1",
		SessionID:      "s1",
		QuestionID:     "q2_neg",
		Category:       "bd",
		AssignedGroup:  1,
		Answer:         domain.AnswerNegative,
		IsCorrect:      true,
		ReactionTime:   1.25,
		QuestionNumber: 2,
		MouseData:      json.RawMessage(`[{"x":1,"y":2}]`),
		CreatedAt:      epoch,
	}
	first, err := s.InsertResponse(ctx, resp)
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	_, err = s.InsertResponse(ctx, resp)
	require.ErrorIs(t, err, domain.ErrConstraintViolation)

	found, err := s.FindResponse(ctx, "s1", "q2_neg", "p1")
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)
	require.Equal(t, domain.AnswerNegative, found.Answer)
	require.True(t, found.IsCorrect)
	require.InDelta(t, 1.25, found.ReactionTime, 1e-9)

	_, err = s.FindResponse(ctx, "s1", "q1", "p1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	second := resp
	second.QuestionID = "q1"
	second.Answer = domain.AnswerPositive
	second.CreatedAt = epoch.Add(time.Second)
	_, err = s.InsertResponse(ctx, second)
	require.NoError(t, err)

	list, err := s.ListResponses(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "q2_neg", list[0].QuestionID)
	require.Equal(t, "q1", list[1].QuestionID)

	empty, err := s.ListResponses(ctx, "other")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func testInvites(t *testing.T, s app.Store) {
	ctx := context.Background()
	exp := epoch.Add(24 * time.Hour)
	inv := domain.Invite{
		Code:          "ABCD1234",
		ParticipantID: "pid_1",
		Email:         "a@example.com",
		AssignedGroup: 2,
		ExpiresAt:     &exp,
		CreatedAt:     epoch,
	}
	_, err := s.InsertInvite(ctx, inv)
	require.NoError(t, err)
	_, err = s.InsertInvite(ctx, inv)
	require.True(t, errors.Is(err, domain.ErrConstraintViolation), "duplicate code: %v", err)

	got, err := s.GetInvite(ctx, "ABCD1234")
	require.NoError(t, err)
	require.Equal(t, "pid_1", got.ParticipantID)
	require.False(t, got.Used)
	require.NotNil(t, got.ExpiresAt)

	usedAt := epoch.Add(time.Hour)
	require.NoError(t, s.MarkInviteUsed(ctx, "ABCD1234", usedAt))
	got, err = s.GetInvite(ctx, "ABCD1234")
	require.NoError(t, err)
	require.True(t, got.Used)
	require.NotNil(t, got.UsedAt)
	require.True(t, got.UsedAt.Equal(usedAt))

	_, err = s.GetInvite(ctx, "NOPE")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

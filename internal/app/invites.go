package app

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"bongard-study-service/internal/domain"
	"github.com/google/uuid"
)

const (
	inviteCodeLength    = 8
	inviteCodeAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxInviteCodeLength = 12
)

// Invitee is the outcome of resolving an invite row to a participant.
type Invitee struct {
	Participant domain.Participant
	Created     bool
}

// EnsureInvitee finds a participant by email, then by enrollment number
// (backfilling the email), and otherwise registers a new one. A zero group
// picks one of the supported groups at random.
func (s *StudyService) EnsureInvitee(ctx context.Context, email, enrollment string, group int) (Invitee, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	enrollment = strings.ToLower(strings.TrimSpace(enrollment))
	if email == "" {
		return Invitee{}, domain.Validationf("email is required")
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	p, err := s.store.FindParticipantByEmail(ctx, email)
	if err == nil {
		return Invitee{Participant: p}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return Invitee{}, err
	}

	if enrollment != "" {
		p, err := s.store.FindParticipantByEnrollment(ctx, enrollment)
		if err == nil {
			p.Email = &email
			p.UpdatedAt = s.nowUTC()
			p, err = s.store.UpsertParticipant(ctx, p)
			if err != nil {
				return Invitee{}, err
			}
			return Invitee{Participant: p}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return Invitee{}, err
		}
	}

	if group == 0 {
		group, err = s.randomGroup()
		if err != nil {
			return Invitee{}, err
		}
	}
	if !s.study.SupportsGroup(group) {
		return Invitee{}, domain.Configurationf("group %d is not supported", group)
	}

	pid, err := s.freeParticipantID(ctx)
	if err != nil {
		return Invitee{}, err
	}
	now := s.nowUTC()
	meta, err := json.Marshal(map[string]string{"created_by": "invite_script", "created_at": now.Format(time.RFC3339)})
	if err != nil {
		return Invitee{}, err
	}
	created, err := s.store.UpsertParticipant(ctx, domain.Participant{
		ParticipantID:    pid,
		Email:            &email,
		EnrollmentNumber: optional(enrollment),
		AssignedGroup:    group,
		Consent:          true,
		NPerCategory:     s.study.NPerCategory,
		Metadata:         meta,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return Invitee{}, err
	}
	return Invitee{Participant: created, Created: true}, nil
}

// CreateInvite issues a fresh invite code for p. A code collision is retried once.
func (s *StudyService) CreateInvite(ctx context.Context, p domain.Participant, expiresIn time.Duration) (domain.Invite, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	now := s.nowUTC()
	inv := domain.Invite{
		ParticipantID: p.ParticipantID,
		AssignedGroup: p.AssignedGroup,
		CreatedAt:     now,
	}
	if p.Email != nil {
		inv.Email = *p.Email
	}
	if expiresIn > 0 {
		exp := now.Add(expiresIn)
		inv.ExpiresAt = &exp
	}

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		inv.Code, err = newInviteCode()
		if err != nil {
			return domain.Invite{}, err
		}
		var saved domain.Invite
		saved, err = s.store.InsertInvite(ctx, inv)
		if err == nil {
			return saved, nil
		}
		if !errors.Is(err, domain.ErrConstraintViolation) {
			return domain.Invite{}, err
		}
	}
	return domain.Invite{}, err
}

// RedeemInvite resolves an invite link parameter. Short values that do not look
// like participant ids are treated as invite codes first; anything else is
// looked up as a participant id and finally as an email.
func (s *StudyService) RedeemInvite(ctx context.Context, param string) (domain.Participant, error) {
	param = strings.TrimSpace(param)
	if param == "" {
		return domain.Participant{}, domain.Validationf("invite code is required")
	}

	ctx, cancel := s.bounded(ctx)
	defer cancel()

	if len(param) <= maxInviteCodeLength && !strings.HasPrefix(param, "pid_") {
		code := strings.ToUpper(param)
		inv, err := s.store.GetInvite(ctx, code)
		switch {
		case err == nil:
			now := s.nowUTC()
			if inv.Expired(now) {
				return domain.Participant{}, domain.ErrExpired
			}
			if err := s.store.MarkInviteUsed(ctx, code, now); err != nil {
				s.log.Warn("failed to mark invite used", "invite_code", code, "error", err)
			}
			return domain.Participant{ParticipantID: inv.ParticipantID, AssignedGroup: inv.AssignedGroup}, nil
		case !errors.Is(err, domain.ErrNotFound):
			return domain.Participant{}, err
		}
	}

	p, err := s.store.GetParticipant(ctx, param)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return p, err
	}
	return s.store.FindParticipantByEmail(ctx, strings.ToLower(param))
}

func (s *StudyService) freeParticipantID(ctx context.Context) (string, error) {
	for {
		pid := "pid_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		_, err := s.store.GetParticipant(ctx, pid)
		if errors.Is(err, domain.ErrNotFound) {
			return pid, nil
		}
		if err != nil {
			return "", err
		}
	}
}

func (s *StudyService) randomGroup() (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(s.study.SupportedGroups))))
	if err != nil {
		return 0, err
	}
	return s.study.SupportedGroups[n.Int64()], nil
}

func newInviteCode() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(inviteCodeAlphabet)))
	for i := 0; i < inviteCodeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b.WriteByte(inviteCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

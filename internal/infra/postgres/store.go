package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bongard-study-service/internal/domain"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const uniqueViolation = "23505"

// Store implements app.Store on Postgres. Uniqueness is enforced by the schema
// (see migrations) and surfaced as domain.ErrConstraintViolation.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const participantColumns = `id, participant_id, email, enrollment_number, assigned_group, consent,
	share_data, n_per_category, metadata_json, created_at, updated_at`

func (s *Store) UpsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO participants (participant_id, email, enrollment_number, assigned_group, consent,
			share_data, n_per_category, metadata_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (participant_id) DO UPDATE SET
			email = COALESCE(EXCLUDED.email, participants.email),
			enrollment_number = COALESCE(EXCLUDED.enrollment_number, participants.enrollment_number),
			assigned_group = EXCLUDED.assigned_group,
			consent = EXCLUDED.consent,
			share_data = EXCLUDED.share_data,
			n_per_category = EXCLUDED.n_per_category,
			metadata_json = COALESCE(EXCLUDED.metadata_json, participants.metadata_json),
			updated_at = EXCLUDED.updated_at
		RETURNING `+participantColumns,
		p.ParticipantID, p.Email, p.EnrollmentNumber, p.AssignedGroup, p.Consent,
		p.ShareData, p.NPerCategory, nullJSON(p.Metadata), p.CreatedAt, p.UpdatedAt,
	)
	saved, err := scanParticipant(row)
	if err != nil {
		return domain.Participant{}, translate("upsert participant", "participant", err)
	}
	return saved, nil
}

func (s *Store) GetParticipant(ctx context.Context, participantID string) (domain.Participant, error) {
	return s.queryParticipant(ctx, "get participant",
		`SELECT `+participantColumns+` FROM participants WHERE participant_id=$1`, participantID)
}

func (s *Store) FindParticipantByEmail(ctx context.Context, email string) (domain.Participant, error) {
	return s.queryParticipant(ctx, "find participant by email",
		`SELECT `+participantColumns+` FROM participants WHERE email=$1 ORDER BY id LIMIT 1`, email)
}

func (s *Store) FindParticipantByEnrollment(ctx context.Context, enrollment string) (domain.Participant, error) {
	return s.queryParticipant(ctx, "find participant by enrollment",
		`SELECT `+participantColumns+` FROM participants WHERE enrollment_number=$1 ORDER BY id LIMIT 1`, enrollment)
}

func (s *Store) queryParticipant(ctx context.Context, op, query string, arg any) (domain.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		return domain.Participant{}, translate(op, "participant", err)
	}
	return p, nil
}

func scanParticipant(row pgx.Row) (domain.Participant, error) {
	var (
		p    domain.Participant
		meta []byte
	)
	err := row.Scan(&p.ID, &p.ParticipantID, &p.Email, &p.EnrollmentNumber, &p.AssignedGroup, &p.Consent,
		&p.ShareData, &p.NPerCategory, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Participant{}, err
	}
	if len(meta) > 0 {
		p.Metadata = json.RawMessage(meta)
	}
	return p, nil
}

const sessionColumns = `id, participant_id, assigned_group, total_questions, assignment_json, category_map,
	current_index, progress, completed, started_at, last_activity_at, completed_at`

func (s *Store) InsertSession(ctx context.Context, sess domain.Session) (domain.Session, error) {
	assignment, err := json.Marshal(sess.Assignment)
	if err != nil {
		return domain.Session{}, err
	}
	categoryMap, err := json.Marshal(sess.CategoryMap)
	if err != nil {
		return domain.Session{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (id, participant_id, assigned_group, total_questions, assignment_json, category_map,
			current_index, progress, completed, started_at, last_activity_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+sessionColumns,
		sess.ID, sess.ParticipantID, sess.AssignedGroup, sess.TotalQuestions, string(assignment), string(categoryMap),
		sess.CurrentIndex, sess.Progress, sess.Completed, sess.StartedAt, sess.LastActivityAt, sess.CompletedAt,
	)
	created, err := scanSession(row)
	if err != nil {
		return domain.Session{}, translate("insert session", "session", err)
	}
	return created, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return s.querySession(ctx, "get session", `SELECT `+sessionColumns+` FROM sessions WHERE id=$1`, id)
}

func (s *Store) GetIncompleteSession(ctx context.Context, participantID string) (domain.Session, error) {
	return s.querySession(ctx, "get incomplete session",
		`SELECT `+sessionColumns+` FROM sessions WHERE participant_id=$1 AND NOT completed
		ORDER BY started_at DESC LIMIT 1`, participantID)
}

func (s *Store) GetLatestSession(ctx context.Context, participantID string) (domain.Session, error) {
	return s.querySession(ctx, "get latest session",
		`SELECT `+sessionColumns+` FROM sessions WHERE participant_id=$1
		ORDER BY started_at DESC LIMIT 1`, participantID)
}

func (s *Store) UpdateSession(ctx context.Context, id string, patch domain.SessionPatch, at time.Time) (domain.Session, error) {
	return s.querySession(ctx, "update session", `
		UPDATE sessions SET
			current_index = CASE WHEN completed THEN current_index ELSE COALESCE($2, current_index) END,
			progress = CASE WHEN completed THEN progress ELSE COALESCE($3, progress) END,
			completed = COALESCE($4, completed),
			completed_at = CASE
				WHEN COALESCE($4, completed) AND completed_at IS NULL THEN $5
				ELSE completed_at
			END,
			last_activity_at = $5
		WHERE id=$1
		RETURNING `+sessionColumns,
		id, patch.CurrentIndex, patch.Progress, patch.Completed, at,
	)
}

// AdvanceSession relies on every SET expression seeing the row as it was
// before the update.
func (s *Store) AdvanceSession(ctx context.Context, id string, next, progress int, complete bool, at time.Time) (domain.Session, error) {
	return s.querySession(ctx, "advance session", `
		UPDATE sessions SET
			current_index = CASE WHEN completed THEN current_index ELSE GREATEST(current_index, $2) END,
			progress = CASE WHEN completed THEN progress ELSE GREATEST(progress, $3) END,
			completed = completed OR $4,
			completed_at = CASE
				WHEN (completed OR $4) AND completed_at IS NULL THEN $5
				ELSE completed_at
			END,
			last_activity_at = $5
		WHERE id=$1
		RETURNING `+sessionColumns,
		id, next, progress, complete, at,
	)
}

func (s *Store) querySession(ctx context.Context, op, query string, args ...any) (domain.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return domain.Session{}, translate(op, "session", err)
	}
	return sess, nil
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var (
		sess                    domain.Session
		assignment, categoryMap []byte
	)
	err := row.Scan(&sess.ID, &sess.ParticipantID, &sess.AssignedGroup, &sess.TotalQuestions, &assignment, &categoryMap,
		&sess.CurrentIndex, &sess.Progress, &sess.Completed, &sess.StartedAt, &sess.LastActivityAt, &sess.CompletedAt)
	if err != nil {
		return domain.Session{}, err
	}
	if err := json.Unmarshal(assignment, &sess.Assignment); err != nil {
		return domain.Session{}, fmt.Errorf("decode assignment_json: %w", err)
	}
	if err := json.Unmarshal(categoryMap, &sess.CategoryMap); err != nil {
		return domain.Session{}, fmt.Errorf("decode category_map: %w", err)
	}
	return sess, nil
}

const responseColumns = `id, participant_id, session_id, question_id, category, assigned_group, answer,
	is_correct, reaction_time, question_number, mouse_data_json, created_at`

func (s *Store) FindResponse(ctx context.Context, sessionID, questionID, participantID string) (domain.Response, error) {
	r, err := scanResponse(s.pool.QueryRow(ctx,
		`SELECT `+responseColumns+` FROM responses
		WHERE session_id=$1 AND question_id=$2 AND participant_id=$3`,
		sessionID, questionID, participantID))
	if err != nil {
		return domain.Response{}, translate("find response", "response", err)
	}
	return r, nil
}

func (s *Store) InsertResponse(ctx context.Context, r domain.Response) (domain.Response, error) {
	saved, err := scanResponse(s.pool.QueryRow(ctx, `
		INSERT INTO responses (participant_id, session_id, question_id, category, assigned_group, answer,
			is_correct, reaction_time, question_number, mouse_data_json, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+responseColumns,
		r.ParticipantID, r.SessionID, r.QuestionID, r.Category, r.AssignedGroup, r.Answer,
		r.IsCorrect, r.ReactionTime, r.QuestionNumber, nullJSON(r.MouseData), r.CreatedAt,
	))
	if err != nil {
		return domain.Response{}, translate("insert response", "response", err)
	}
	return saved, nil
}

func (s *Store) ListResponses(ctx context.Context, sessionID string) ([]domain.Response, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE session_id=$1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, domain.WrapStore("list responses", err)
	}
	defer rows.Close()

	out := []domain.Response{}
	for rows.Next() {
		r, err := scanResponse(rows)
		if err != nil {
			return nil, domain.WrapStore("list responses", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.WrapStore("list responses", err)
	}
	return out, nil
}

func scanResponse(row pgx.Row) (domain.Response, error) {
	var (
		r     domain.Response
		mouse []byte
	)
	err := row.Scan(&r.ID, &r.ParticipantID, &r.SessionID, &r.QuestionID, &r.Category, &r.AssignedGroup, &r.Answer,
		&r.IsCorrect, &r.ReactionTime, &r.QuestionNumber, &mouse, &r.CreatedAt)
	if err != nil {
		return domain.Response{}, err
	}
	if len(mouse) > 0 {
		r.MouseData = json.RawMessage(mouse)
	}
	return r, nil
}

const inviteColumns = `invite_code, participant_id, email, assigned_group, used, used_at, expires_at, created_at`

func (s *Store) InsertInvite(ctx context.Context, inv domain.Invite) (domain.Invite, error) {
	saved, err := scanInvite(s.pool.QueryRow(ctx, `
		INSERT INTO invites (invite_code, participant_id, email, assigned_group, used, used_at, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+inviteColumns,
		inv.Code, inv.ParticipantID, inv.Email, inv.AssignedGroup, inv.Used, inv.UsedAt, inv.ExpiresAt, inv.CreatedAt,
	))
	if err != nil {
		return domain.Invite{}, translate("insert invite", "invite", err)
	}
	return saved, nil
}

func (s *Store) GetInvite(ctx context.Context, code string) (domain.Invite, error) {
	inv, err := scanInvite(s.pool.QueryRow(ctx, `SELECT `+inviteColumns+` FROM invites WHERE invite_code=$1`, code))
	if err != nil {
		return domain.Invite{}, translate("get invite", "invite", err)
	}
	return inv, nil
}

func (s *Store) MarkInviteUsed(ctx context.Context, code string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE invites SET used = TRUE, used_at = $2 WHERE invite_code=$1`, code, at)
	if err != nil {
		return domain.WrapStore("mark invite used", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("invite")
	}
	return nil
}

func scanInvite(row pgx.Row) (domain.Invite, error) {
	var inv domain.Invite
	err := row.Scan(&inv.Code, &inv.ParticipantID, &inv.Email, &inv.AssignedGroup, &inv.Used,
		&inv.UsedAt, &inv.ExpiresAt, &inv.CreatedAt)
	return inv, err
}

// translate maps driver errors onto the domain taxonomy.
func translate(op, entity string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFound(entity)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s %s: %w", op, pgErr.ConstraintName, domain.ErrConstraintViolation)
	}
	return domain.WrapStore(op, err)
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

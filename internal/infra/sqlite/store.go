package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bongard-study-service/internal/domain"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// DefaultDSN keeps the database next to the binary.
const DefaultDSN = "file:bongard.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"

// Store implements app.Store on SQLite for offline and single-machine runs.
// Timestamps are stored as unix nanoseconds.
type Store struct {
	db *sql.DB
}

// Open opens the database and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases shared and serialises writers
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const participantColumns = `id, participant_id, email, enrollment_number, assigned_group, consent,
  share_data, n_per_category, metadata_json, created_at, updated_at`

func (s *Store) UpsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO participants (participant_id, email, enrollment_number, assigned_group, consent,
		  share_data, n_per_category, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (participant_id) DO UPDATE SET
		  email = COALESCE(excluded.email, participants.email),
		  enrollment_number = COALESCE(excluded.enrollment_number, participants.enrollment_number),
		  assigned_group = excluded.assigned_group,
		  consent = excluded.consent,
		  share_data = excluded.share_data,
		  n_per_category = excluded.n_per_category,
		  metadata_json = COALESCE(excluded.metadata_json, participants.metadata_json),
		  updated_at = excluded.updated_at
		RETURNING `+participantColumns,
		p.ParticipantID, p.Email, p.EnrollmentNumber, p.AssignedGroup, p.Consent,
		p.ShareData, p.NPerCategory, nullJSON(p.Metadata), unixNano(p.CreatedAt), unixNano(p.UpdatedAt),
	)
	saved, err := scanParticipant(row)
	if err != nil {
		return domain.Participant{}, translate("upsert participant", "participant", err)
	}
	return saved, nil
}

func (s *Store) GetParticipant(ctx context.Context, participantID string) (domain.Participant, error) {
	return s.queryParticipant(ctx, "get participant",
		`SELECT `+participantColumns+` FROM participants WHERE participant_id = ?`, participantID)
}

func (s *Store) FindParticipantByEmail(ctx context.Context, email string) (domain.Participant, error) {
	return s.queryParticipant(ctx, "find participant by email",
		`SELECT `+participantColumns+` FROM participants WHERE email = ? ORDER BY id LIMIT 1`, email)
}

func (s *Store) FindParticipantByEnrollment(ctx context.Context, enrollment string) (domain.Participant, error) {
	return s.queryParticipant(ctx, "find participant by enrollment",
		`SELECT `+participantColumns+` FROM participants WHERE enrollment_number = ? ORDER BY id LIMIT 1`, enrollment)
}

func (s *Store) queryParticipant(ctx context.Context, op, query string, arg any) (domain.Participant, error) {
	p, err := scanParticipant(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		return domain.Participant{}, translate(op, "participant", err)
	}
	return p, nil
}

func scanParticipant(row *sql.Row) (domain.Participant, error) {
	var (
		p                    domain.Participant
		email, enrollment    sql.NullString
		meta                 sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&p.ID, &p.ParticipantID, &email, &enrollment, &p.AssignedGroup, &p.Consent,
		&p.ShareData, &p.NPerCategory, &meta, &createdAt, &updatedAt)
	if err != nil {
		return domain.Participant{}, err
	}
	p.Email = nullString(email)
	p.EnrollmentNumber = nullString(enrollment)
	if meta.Valid && meta.String != "" {
		p.Metadata = json.RawMessage(meta.String)
	}
	p.CreatedAt = fromUnixNano(createdAt)
	p.UpdatedAt = fromUnixNano(updatedAt)
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
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, participant_id, assigned_group, total_questions, assignment_json, category_map,
		  current_index, progress, completed, started_at, last_activity_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+sessionColumns,
		sess.ID, sess.ParticipantID, sess.AssignedGroup, sess.TotalQuestions, string(assignment), string(categoryMap),
		sess.CurrentIndex, sess.Progress, sess.Completed, unixNano(sess.StartedAt), unixNano(sess.LastActivityAt),
		nullUnixNano(sess.CompletedAt),
	)
	created, err := scanSession(row)
	if err != nil {
		return domain.Session{}, translate("insert session", "session", err)
	}
	return created, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	return s.querySession(ctx, "get session", `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
}

func (s *Store) GetIncompleteSession(ctx context.Context, participantID string) (domain.Session, error) {
	return s.querySession(ctx, "get incomplete session",
		`SELECT `+sessionColumns+` FROM sessions WHERE participant_id = ? AND completed = 0
		ORDER BY started_at DESC LIMIT 1`, participantID)
}

func (s *Store) GetLatestSession(ctx context.Context, participantID string) (domain.Session, error) {
	return s.querySession(ctx, "get latest session",
		`SELECT `+sessionColumns+` FROM sessions WHERE participant_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1`, participantID)
}

func (s *Store) UpdateSession(ctx context.Context, id string, patch domain.SessionPatch, at time.Time) (domain.Session, error) {
	ts := unixNano(at)
	return s.querySession(ctx, "update session", `
		UPDATE sessions SET
		  current_index = CASE WHEN completed THEN current_index ELSE COALESCE(?, current_index) END,
		  progress = CASE WHEN completed THEN progress ELSE COALESCE(?, progress) END,
		  completed_at = CASE
		    WHEN COALESCE(?, completed) AND completed_at IS NULL THEN ?
		    ELSE completed_at
		  END,
		  completed = COALESCE(?, completed),
		  last_activity_at = ?
		WHERE id = ?
		RETURNING `+sessionColumns,
		patch.CurrentIndex, patch.Progress, patch.Completed, ts, patch.Completed, ts, id,
	)
}

func (s *Store) AdvanceSession(ctx context.Context, id string, next, progress int, complete bool, at time.Time) (domain.Session, error) {
	ts := unixNano(at)
	return s.querySession(ctx, "advance session", `
		UPDATE sessions SET
		  current_index = CASE WHEN completed THEN current_index ELSE MAX(current_index, ?) END,
		  progress = CASE WHEN completed THEN progress ELSE MAX(progress, ?) END,
		  completed_at = CASE
		    WHEN (completed OR ?) AND completed_at IS NULL THEN ?
		    ELSE completed_at
		  END,
		  completed = (completed OR ?),
		  last_activity_at = ?
		WHERE id = ?
		RETURNING `+sessionColumns,
		next, progress, complete, ts, complete, ts, id,
	)
}

func (s *Store) querySession(ctx context.Context, op, query string, args ...any) (domain.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return domain.Session{}, translate(op, "session", err)
	}
	return sess, nil
}

func scanSession(row *sql.Row) (domain.Session, error) {
	var (
		sess                    domain.Session
		assignment, categoryMap string
		startedAt, lastActivity int64
		completedAt             sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.ParticipantID, &sess.AssignedGroup, &sess.TotalQuestions, &assignment, &categoryMap,
		&sess.CurrentIndex, &sess.Progress, &sess.Completed, &startedAt, &lastActivity, &completedAt)
	if err != nil {
		return domain.Session{}, err
	}
	if err := json.Unmarshal([]byte(assignment), &sess.Assignment); err != nil {
		return domain.Session{}, fmt.Errorf("decode assignment_json: %w", err)
	}
	if err := json.Unmarshal([]byte(categoryMap), &sess.CategoryMap); err != nil {
		return domain.Session{}, fmt.Errorf("decode category_map: %w", err)
	}
	sess.StartedAt = fromUnixNano(startedAt)
	sess.LastActivityAt = fromUnixNano(lastActivity)
	if completedAt.Valid {
		t := fromUnixNano(completedAt.Int64)
		sess.CompletedAt = &t
	}
	return sess, nil
}

const responseColumns = `id, participant_id, session_id, question_id, category, assigned_group, answer,
  is_correct, reaction_time, question_number, mouse_data_json, created_at`

func (s *Store) FindResponse(ctx context.Context, sessionID, questionID, participantID string) (domain.Response, error) {
	r, err := scanResponse(s.db.QueryRowContext(ctx,
		`SELECT `+responseColumns+` FROM responses
		WHERE session_id = ? AND question_id = ? AND participant_id = ?`,
		sessionID, questionID, participantID))
	if err != nil {
		return domain.Response{}, translate("find response", "response", err)
	}
	return r, nil
}

func (s *Store) InsertResponse(ctx context.Context, r domain.Response) (domain.Response, error) {
	saved, err := scanResponse(s.db.QueryRowContext(ctx, `
		INSERT INTO responses (participant_id, session_id, question_id, category, assigned_group, answer,
		  is_correct, reaction_time, question_number, mouse_data_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+responseColumns,
		r.ParticipantID, r.SessionID, r.QuestionID, r.Category, r.AssignedGroup, r.Answer,
		r.IsCorrect, r.ReactionTime, r.QuestionNumber, nullJSON(r.MouseData), unixNano(r.CreatedAt),
	))
	if err != nil {
		return domain.Response{}, translate("insert response", "response", err)
	}
	return saved, nil
}

func (s *Store) ListResponses(ctx context.Context, sessionID string) ([]domain.Response, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE session_id = ? ORDER BY created_at, id`, sessionID)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanResponse(row scanner) (domain.Response, error) {
	var (
		r         domain.Response
		mouse     sql.NullString
		createdAt int64
	)
	err := row.Scan(&r.ID, &r.ParticipantID, &r.SessionID, &r.QuestionID, &r.Category, &r.AssignedGroup, &r.Answer,
		&r.IsCorrect, &r.ReactionTime, &r.QuestionNumber, &mouse, &createdAt)
	if err != nil {
		return domain.Response{}, err
	}
	if mouse.Valid && mouse.String != "" {
		r.MouseData = json.RawMessage(mouse.String)
	}
	r.CreatedAt = fromUnixNano(createdAt)
	return r, nil
}

const inviteColumns = `invite_code, participant_id, email, assigned_group, used, used_at, expires_at, created_at`

func (s *Store) InsertInvite(ctx context.Context, inv domain.Invite) (domain.Invite, error) {
	saved, err := scanInvite(s.db.QueryRowContext(ctx, `
		INSERT INTO invites (invite_code, participant_id, email, assigned_group, used, used_at, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+inviteColumns,
		inv.Code, inv.ParticipantID, inv.Email, inv.AssignedGroup, inv.Used,
		nullUnixNano(inv.UsedAt), nullUnixNano(inv.ExpiresAt), unixNano(inv.CreatedAt),
	))
	if err != nil {
		return domain.Invite{}, translate("insert invite", "invite", err)
	}
	return saved, nil
}

func (s *Store) GetInvite(ctx context.Context, code string) (domain.Invite, error) {
	inv, err := scanInvite(s.db.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE invite_code = ?`, code))
	if err != nil {
		return domain.Invite{}, translate("get invite", "invite", err)
	}
	return inv, nil
}

func (s *Store) MarkInviteUsed(ctx context.Context, code string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE invites SET used = 1, used_at = ? WHERE invite_code = ?`, unixNano(at), code)
	if err != nil {
		return domain.WrapStore("mark invite used", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.WrapStore("mark invite used", err)
	}
	if n == 0 {
		return domain.NotFound("invite")
	}
	return nil
}

func scanInvite(row *sql.Row) (domain.Invite, error) {
	var (
		inv               domain.Invite
		usedAt, expiresAt sql.NullInt64
		createdAt         int64
	)
	err := row.Scan(&inv.Code, &inv.ParticipantID, &inv.Email, &inv.AssignedGroup, &inv.Used,
		&usedAt, &expiresAt, &createdAt)
	if err != nil {
		return domain.Invite{}, err
	}
	inv.UsedAt = nullTime(usedAt)
	inv.ExpiresAt = nullTime(expiresAt)
	inv.CreatedAt = fromUnixNano(createdAt)
	return inv, nil
}

// translate maps driver errors onto the domain taxonomy.
func translate(op, entity string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFound(entity)
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w", op, domain.ErrConstraintViolation)
		}
	}
	return domain.WrapStore(op, err)
}

func unixNano(t time.Time) int64 {
	return t.UnixNano()
}

func nullUnixNano(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

package sqlite

import (
	"context"
	"database/sql"
)

const schema = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS participants (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  participant_id TEXT NOT NULL UNIQUE,
  email TEXT,
  enrollment_number TEXT,
  assigned_group INTEGER NOT NULL,
  consent INTEGER NOT NULL DEFAULT 0,
  share_data INTEGER NOT NULL DEFAULT 0,
  n_per_category INTEGER NOT NULL DEFAULT 10,
  metadata_json TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
  id TEXT PRIMARY KEY,
  participant_id TEXT NOT NULL,
  assigned_group INTEGER NOT NULL,
  total_questions INTEGER NOT NULL,
  assignment_json TEXT NOT NULL,
  category_map TEXT NOT NULL DEFAULT '{}',
  current_index INTEGER NOT NULL DEFAULT 0,
  progress INTEGER NOT NULL DEFAULT 0,
  completed INTEGER NOT NULL DEFAULT 0,
  started_at INTEGER NOT NULL,
  last_activity_at INTEGER NOT NULL,
  completed_at INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_incomplete_idx
  ON sessions (participant_id) WHERE completed = 0;

CREATE TABLE IF NOT EXISTS responses (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  participant_id TEXT NOT NULL,
  session_id TEXT NOT NULL REFERENCES sessions(id),
  question_id TEXT NOT NULL,
  category TEXT NOT NULL,
  assigned_group INTEGER NOT NULL,
  answer TEXT NOT NULL CHECK (answer IN ('positive', 'negative')),
  is_correct INTEGER NOT NULL,
  reaction_time REAL NOT NULL DEFAULT 0,
  question_number INTEGER NOT NULL,
  mouse_data_json TEXT,
  created_at INTEGER NOT NULL,
  UNIQUE (session_id, question_id, participant_id)
);

CREATE TABLE IF NOT EXISTS invites (
  invite_code TEXT PRIMARY KEY,
  participant_id TEXT NOT NULL,
  email TEXT NOT NULL,
  assigned_group INTEGER NOT NULL,
  used INTEGER NOT NULL DEFAULT 0,
  used_at INTEGER,
  expires_at INTEGER,
  created_at INTEGER NOT NULL
);
`

func ensureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return err
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/gateway/internal/model"
)

// SessionRepository provides data access for session lifecycle records.
// Transcripts are never stored.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, user_id, project_id, workdir, status, exit_code, exit_signal, pid, created_at, updated_at`

// Create inserts a new session into the database.
func (r *SessionRepository) Create(ctx context.Context, session *model.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		session.ID,
		session.UserID,
		session.ProjectID,
		session.Workdir,
		session.Status,
		session.ExitCode,
		nullString(session.ExitSignal),
		session.PID,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetByID retrieves a session by its ID.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	ProjectID string
	Status    model.SessionStatus
	Limit     int
}

// List retrieves the sessions of a user, newest first.
func (r *SessionRepository) List(ctx context.Context, userID string, filter ListFilter) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = ?`
	args := []any{userID}

	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// UpdateStatus updates the status of a session. exitCode and signal are
// recorded as given; pass nil and "" while the session is still running.
func (r *SessionRepository) UpdateStatus(ctx context.Context, id string, status model.SessionStatus, exitCode *int, signal string) error {
	query := `
		UPDATE sessions
		SET status = ?, exit_code = ?, exit_signal = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, status, exitCode, nullString(signal), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}

	return nil
}

// CloseOrphans marks sessions left initializing or active by a previous
// server process as closed. It returns the number of records changed.
func (r *SessionRepository) CloseOrphans(ctx context.Context) (int64, error) {
	query := `
		UPDATE sessions
		SET status = ?, updated_at = ?
		WHERE status IN (?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		model.SessionStatusClosed, time.Now(),
		model.SessionStatusInitializing, model.SessionStatusActive,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to close orphaned sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*model.Session, error) {
	session := &model.Session{}
	var exitCode sql.NullInt64
	var exitSignal sql.NullString
	var pid sql.NullInt64

	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.ProjectID,
		&session.Workdir,
		&session.Status,
		&exitCode,
		&exitSignal,
		&pid,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		session.ExitCode = &code
	}

	if exitSignal.Valid {
		session.ExitSignal = exitSignal.String
	}

	if pid.Valid {
		p := int(pid.Int64)
		session.PID = &p
	}

	return session, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

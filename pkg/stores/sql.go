// Copyright 2025 The Guidepost Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/guidepost-ai/guidepost/pkg/config"
	"github.com/guidepost-ai/guidepost/pkg/model"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLSessionStore implements SessionStore on a SQL database. Session state
// rides as a JSON blob; the columns the engine queries on (channel identity
// and scenario position) are broken out and indexed.
type SQLSessionStore struct {
	db      *sql.DB
	dialect string
}

var _ SessionStore = (*SQLSessionStore)(nil)

const createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    tenant_id VARCHAR(255) NOT NULL,
    id VARCHAR(255) NOT NULL,
    agent_id VARCHAR(255) NOT NULL,
    channel VARCHAR(255) NOT NULL,
    user_channel_id VARCHAR(255) NOT NULL,
    scenario_id VARCHAR(255),
    scenario_version INTEGER DEFAULT 0,
    step_hash VARCHAR(64),
    state_json TEXT NOT NULL,
    last_activity_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    deleted_at TIMESTAMP,
    PRIMARY KEY (tenant_id, id)
)`

const createSessionsChannelIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_channel
    ON sessions(tenant_id, agent_id, channel, user_channel_id)`

const createSessionsStepHashIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_step_hash
    ON sessions(tenant_id, scenario_id, scenario_version, step_hash)`

const createTurnsSchemaSQL = `
CREATE TABLE IF NOT EXISTS turns (
    tenant_id VARCHAR(255) NOT NULL,
    turn_id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    turn_number INTEGER NOT NULL,
    record_json TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, turn_id)
)`

const createTurnsSessionIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_turns_session
    ON turns(tenant_id, session_id, turn_number)`

const createTurnsOccurredAtIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_turns_occurred_at
    ON turns(tenant_id, occurred_at)`

// OpenDB opens the configured database and normalizes the dialect name.
func OpenDB(cfg config.DatabaseConfig) (*sql.DB, string, error) {
	dialect := cfg.Driver
	if dialect == "sqlite3" {
		dialect = "sqlite"
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, "", fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", cfg.Driver)
	}
	driver := cfg.Driver
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open database: %w", err)
	}
	return db, dialect, nil
}

// NewSQLSessionStore creates a SQL-backed session store and initializes its
// schema.
func NewSQLSessionStore(db *sql.DB, dialect string) (*SQLSessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &SQLSessionStore{db: db, dialect: dialect}
	if err := initSchema(db, createSessionsSchemaSQL, createSessionsChannelIndexSQL, createSessionsStepHashIndexSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize sessions schema: %w", err)
	}
	return s, nil
}

// initSchema executes each statement separately for SQLite compatibility.
func initSchema(db *sql.DB, statements ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLSessionStore) Close() error {
	return s.db.Close()
}

// Save persists the session, rejecting stale writers inside a transaction.
func (s *SQLSessionStore) Save(ctx context.Context, session *model.Session, expectedUpdatedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	if !expectedUpdatedAt.IsZero() {
		query := `SELECT updated_at FROM sessions WHERE tenant_id = ? AND id = ?`
		if s.dialect == "postgres" {
			query = convertToPostgresPlaceholders(query)
		}
		var dbUpdatedAt time.Time
		err := tx.QueryRowContext(ctx, query, session.TenantID, session.ID).Scan(&dbUpdatedAt)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to check session staleness: %w", err)
		}
		// Second-level precision avoids false positives from SQLite
		// timestamp truncation.
		if err == nil && dbUpdatedAt.Unix() > expectedUpdatedAt.Unix()+1 {
			return model.NewError(model.ErrConflict,
				"session %s was updated concurrently (db=%s, expected=%s)", session.ID,
				dbUpdatedAt.Format(time.RFC3339), expectedUpdatedAt.Format(time.RFC3339))
		}
	}

	session.Touch()
	stateJSON, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	query := s.upsertSessionQuery()
	_, err = tx.ExecContext(ctx, query,
		session.TenantID, session.ID, session.AgentID,
		session.Channel, session.UserChannelID,
		session.ActiveScenarioID, session.ActiveScenarioVersion, session.ActiveStepHash,
		string(stateJSON), session.LastActivityAt,
		session.CreatedAt, session.UpdatedAt, session.DeletedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get fetches a session by id.
func (s *SQLSessionStore) Get(ctx context.Context, tenantID, sessionID string) (*model.Session, error) {
	query := `SELECT state_json, deleted_at FROM sessions WHERE tenant_id = ? AND id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var stateJSON string
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, tenantID, sessionID).Scan(&stateJSON, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, model.NotFound("session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if deletedAt.Valid {
		return nil, model.NotFound("session", sessionID)
	}
	return unmarshalSession(stateJSON)
}

// GetByChannel finds the most recently active live session bound to a
// channel identity.
func (s *SQLSessionStore) GetByChannel(ctx context.Context, tenantID, agentID, channel, userChannelID string) (*model.Session, error) {
	query := `SELECT state_json FROM sessions
              WHERE tenant_id = ? AND agent_id = ? AND channel = ? AND user_channel_id = ?
                AND deleted_at IS NULL
              ORDER BY last_activity_at DESC LIMIT 1`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var stateJSON string
	err := s.db.QueryRowContext(ctx, query, tenantID, agentID, channel, userChannelID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, model.NotFound("session", channel+"/"+userChannelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by channel: %w", err)
	}
	return unmarshalSession(stateJSON)
}

// FindByStepHash returns sessions of a scenario version parked on one of
// the given anchor hashes.
func (s *SQLSessionStore) FindByStepHash(ctx context.Context, tenantID, scenarioID string, version int, stepHashes []string) ([]*model.Session, error) {
	if len(stepHashes) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(stepHashes)), ", ")
	query := `SELECT state_json FROM sessions
              WHERE tenant_id = ? AND scenario_id = ? AND scenario_version = ?
                AND step_hash IN (` + placeholders + `)
                AND deleted_at IS NULL
              ORDER BY id`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	args := []any{tenantID, scenarioID, version}
	for _, h := range stepHashes {
		args = append(args, h)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find sessions by step hash: %w", err)
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		var stateJSON string
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sess, err := unmarshalSession(stateJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Delete soft-deletes a session.
func (s *SQLSessionStore) Delete(ctx context.Context, tenantID, sessionID string) error {
	query := `UPDATE sessions SET deleted_at = ?, updated_at = ?
              WHERE tenant_id = ? AND id = ? AND deleted_at IS NULL`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	now := model.Now()
	res, err := s.db.ExecContext(ctx, query, now, now, tenantID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.NotFound("session", sessionID)
	}
	return nil
}

func unmarshalSession(stateJSON string) (*model.Session, error) {
	var sess model.Session
	if err := json.Unmarshal([]byte(stateJSON), &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *SQLSessionStore) upsertSessionQuery() string {
	switch s.dialect {
	case "postgres":
		return `INSERT INTO sessions (tenant_id, id, agent_id, channel, user_channel_id,
                scenario_id, scenario_version, step_hash, state_json, last_activity_at,
                created_at, updated_at, deleted_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
                ON CONFLICT (tenant_id, id) DO UPDATE SET
                    scenario_id = $6, scenario_version = $7, step_hash = $8,
                    state_json = $9, last_activity_at = $10, updated_at = $12, deleted_at = $13`
	case "mysql":
		return `INSERT INTO sessions (tenant_id, id, agent_id, channel, user_channel_id,
                scenario_id, scenario_version, step_hash, state_json, last_activity_at,
                created_at, updated_at, deleted_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                ON DUPLICATE KEY UPDATE
                    scenario_id = VALUES(scenario_id), scenario_version = VALUES(scenario_version),
                    step_hash = VALUES(step_hash), state_json = VALUES(state_json),
                    last_activity_at = VALUES(last_activity_at),
                    updated_at = VALUES(updated_at), deleted_at = VALUES(deleted_at)`
	default: // sqlite
		return `INSERT INTO sessions (tenant_id, id, agent_id, channel, user_channel_id,
                scenario_id, scenario_version, step_hash, state_json, last_activity_at,
                created_at, updated_at, deleted_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT (tenant_id, id) DO UPDATE SET
                    scenario_id = excluded.scenario_id, scenario_version = excluded.scenario_version,
                    step_hash = excluded.step_hash, state_json = excluded.state_json,
                    last_activity_at = excluded.last_activity_at,
                    updated_at = excluded.updated_at, deleted_at = excluded.deleted_at`
	}
}

// SQLAuditStore implements AuditStore on a SQL database. Turn records are
// append-only; the primary key on (tenant_id, turn_id) makes duplicate
// writes fail at the database.
type SQLAuditStore struct {
	db      *sql.DB
	dialect string
}

var _ AuditStore = (*SQLAuditStore)(nil)

// NewSQLAuditStore creates a SQL-backed audit store and initializes its
// schema.
func NewSQLAuditStore(db *sql.DB, dialect string) (*SQLAuditStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &SQLAuditStore{db: db, dialect: dialect}
	if err := initSchema(db, createTurnsSchemaSQL, createTurnsSessionIndexSQL, createTurnsOccurredAtIndexSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize turns schema: %w", err)
	}
	return s, nil
}

// SaveTurn appends an immutable turn record.
func (s *SQLAuditStore) SaveTurn(ctx context.Context, turn *model.TurnRecord) error {
	if turn.TurnID == "" {
		return model.NewError(model.ErrValidation, "turn_id is required")
	}
	recordJSON, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}

	query := `INSERT INTO turns (tenant_id, turn_id, session_id, turn_number, record_json, occurred_at)
              VALUES (?, ?, ?, ?, ?, ?)`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	_, err = s.db.ExecContext(ctx, query,
		turn.TenantID, turn.TurnID, turn.SessionID, turn.TurnNumber,
		string(recordJSON), turn.Timestamp)
	if err != nil {
		if isDuplicateKeyErr(err) {
			return model.NewError(model.ErrConflict, "turn %s already recorded", turn.TurnID)
		}
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

// GetTurn fetches one turn record.
func (s *SQLAuditStore) GetTurn(ctx context.Context, tenantID, turnID string) (*model.TurnRecord, error) {
	query := `SELECT record_json FROM turns WHERE tenant_id = ? AND turn_id = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var recordJSON string
	err := s.db.QueryRowContext(ctx, query, tenantID, turnID).Scan(&recordJSON)
	if err == sql.ErrNoRows {
		return nil, model.NotFound("turn", turnID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get turn: %w", err)
	}
	return unmarshalTurn(recordJSON)
}

// ListTurnsBySession pages turns newest-first.
func (s *SQLAuditStore) ListTurnsBySession(ctx context.Context, tenantID, sessionID string, limit, offset int) ([]*model.TurnRecord, error) {
	query := `SELECT record_json FROM turns
              WHERE tenant_id = ? AND session_id = ?
              ORDER BY turn_number DESC LIMIT ? OFFSET ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, query, tenantID, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// ListTurnsByTenant returns every turn of a tenant within the window.
func (s *SQLAuditStore) ListTurnsByTenant(ctx context.Context, tenantID string, window TimeRange) ([]*model.TurnRecord, error) {
	query := `SELECT record_json FROM turns WHERE tenant_id = ?`
	args := []any{tenantID}
	if !window.From.IsZero() {
		query += " AND occurred_at >= ?"
		args = append(args, window.From)
	}
	if !window.To.IsZero() {
		query += " AND occurred_at < ?"
		args = append(args, window.To)
	}
	query += " ORDER BY occurred_at ASC"
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]*model.TurnRecord, error) {
	var out []*model.TurnRecord
	for rows.Next() {
		var recordJSON string
		if err := rows.Scan(&recordJSON); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turn, err := unmarshalTurn(recordJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, turn)
	}
	return out, rows.Err()
}

func unmarshalTurn(recordJSON string) (*model.TurnRecord, error) {
	var turn model.TurnRecord
	if err := json.Unmarshal([]byte(recordJSON), &turn); err != nil {
		return nil, fmt.Errorf("failed to unmarshal turn: %w", err)
	}
	return &turn, nil
}

// isDuplicateKeyErr matches primary-key violations across the three
// supported drivers without importing their error types.
func isDuplicateKeyErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || // sqlite, postgres
		strings.Contains(msg, "duplicate") // mysql, postgres detail
}

// convertToPostgresPlaceholders converts ? to $1, $2, etc. in a single pass.
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			b.WriteString(fmt.Sprintf("$%d", paramNum))
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

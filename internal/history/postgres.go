package history

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversation history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			session_name TEXT NOT NULL,
			seq BIGSERIAL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_session ON conversation_messages (session_id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_name ON conversation_messages (session_name, seq);`,
		`CREATE TABLE IF NOT EXISTS conversation_tool_outputs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			session_name TEXT NOT NULL,
			seq BIGSERIAL,
			output TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_tool_outputs_session ON conversation_tool_outputs (session_id, seq);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, sessionID, sessionName string, conv Conversation) error {
	for _, m := range conv.Messages {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO conversation_messages (id, session_id, session_name, role, text) VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), sessionID, sessionName, m.Role, m.Text,
		)
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}
	for _, out := range conv.ToolOutputs {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO conversation_tool_outputs (id, session_id, session_name, output) VALUES ($1, $2, $3, $4)`,
			uuid.NewString(), sessionID, sessionName, out,
		)
		if err != nil {
			return fmt.Errorf("append tool output: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, sessionID string) (Record, error) {
	return s.read(ctx, "session_id", sessionID, Record{SessionID: sessionID})
}

func (s *PostgresStore) ReadByName(ctx context.Context, sessionName string) (Record, error) {
	return s.read(ctx, "session_name", sessionName, Record{SessionName: sessionName})
}

func (s *PostgresStore) read(ctx context.Context, column, value string, base Record) (Record, error) {
	rec := base
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, session_name, role, text FROM conversation_messages WHERE `+column+` = $1 ORDER BY seq`,
		value,
	)
	if err != nil {
		return rec, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m Message
		if err := rows.Scan(&rec.SessionID, &rec.SessionName, &m.Role, &m.Text); err != nil {
			return rec, fmt.Errorf("scan message: %w", err)
		}
		rec.Messages = append(rec.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return rec, fmt.Errorf("read messages: %w", err)
	}

	outRows, err := s.pool.Query(ctx,
		`SELECT output FROM conversation_tool_outputs WHERE `+column+` = $1 ORDER BY seq`,
		value,
	)
	if err != nil {
		return rec, fmt.Errorf("read tool outputs: %w", err)
	}
	defer outRows.Close()
	for outRows.Next() {
		var out string
		if err := outRows.Scan(&out); err != nil {
			return rec, fmt.Errorf("scan tool output: %w", err)
		}
		rec.ToolOutputs = append(rec.ToolOutputs, out)
	}
	return rec, outRows.Err()
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionName string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversation_messages WHERE session_name = $1`, sessionName); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversation_tool_outputs WHERE session_name = $1`, sessionName); err != nil {
		return fmt.Errorf("delete tool outputs: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

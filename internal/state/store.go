package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrBurberry/huginn/internal/idgen"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFn: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the store clock; used by tests.
func (s *Store) WithClock(nowFn func() time.Time) *Store {
	s.nowFn = nowFn
	return s
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

// Agent is a data output agent. Options holds the raw JSON option document
// exactly as saved, so key order of templates survives.
type Agent struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Name          string     `json:"name"`
	Options       string     `json:"options"`
	LastReceiveAt *time.Time `json:"last_receive_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type LogEntry struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	LevelInfo  = "info"
	LevelError = "error"
)

func (s *Store) CreateAgent(ctx context.Context, userID, name, options string) (Agent, error) {
	if strings.TrimSpace(userID) == "" {
		return Agent{}, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(name) == "" {
		return Agent{}, fmt.Errorf("agent name is required")
	}
	id := idgen.New()
	now := s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO agents (id, user_id, name, options, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, name, options, formatTime(now), formatTime(now))
	if err != nil {
		return Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	return Agent{ID: id, UserID: userID, Name: name, Options: options, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, name, options, last_receive_at, created_at, updated_at FROM agents WHERE id = ?`, id)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (s *Store) ListAgents(ctx context.Context, limit int) ([]Agent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, name, options, last_receive_at, created_at, updated_at FROM agents ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateOptions(ctx context.Context, id, options string) (Agent, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET options = ?, updated_at = ? WHERE id = ?`, options, formatTime(s.now()), id)
	if err != nil {
		return Agent{}, fmt.Errorf("update options: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Agent{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return s.GetAgent(ctx, id)
}

func (s *Store) MarkReceived(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_receive_at = ? WHERE id = ?`, formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark received: %w", err)
	}
	return nil
}

// AddSource links source as an upstream of receiver. Linking twice is a no-op.
func (s *Store) AddSource(ctx context.Context, receiverID, sourceID string) error {
	if strings.TrimSpace(sourceID) == "" {
		return fmt.Errorf("source id is required")
	}
	if receiverID == sourceID {
		return fmt.Errorf("agent cannot be its own source")
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO links (source_id, receiver_id, created_at) VALUES (?, ?, ?)`,
		sourceID, receiverID, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

func (s *Store) Sources(ctx context.Context, receiverID string) ([]string, error) {
	return s.linked(ctx, `SELECT source_id FROM links WHERE receiver_id = ? ORDER BY source_id`, receiverID)
}

func (s *Store) Receivers(ctx context.Context, sourceID string) ([]string, error) {
	return s.linked(ctx, `SELECT receiver_id FROM links WHERE source_id = ? ORDER BY receiver_id`, sourceID)
}

func (s *Store) linked(ctx context.Context, query, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return out, nil
}

func (s *Store) AddLog(ctx context.Context, agentID, level, message string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO agent_logs (agent_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		agentID, level, message, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("insert agent log: %w", err)
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, agentID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, level, message, created_at FROM agent_logs WHERE agent_id = ? ORDER BY id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list agent logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var entry LogEntry
		var createdAtStr string
		if err := rows.Scan(&entry.ID, &entry.AgentID, &entry.Level, &entry.Message, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan agent log: %w", err)
		}
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent logs: %w", err)
	}
	return out, nil
}

// LastErrorAt returns the time of the newest error log of the agent, or nil.
func (s *Store) LastErrorAt(ctx context.Context, agentID string) (*time.Time, error) {
	var createdAt sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM agent_logs WHERE agent_id = ? AND level = ?`, agentID, LevelError).Scan(&createdAt)
	if err != nil {
		return nil, fmt.Errorf("last error log: %w", err)
	}
	return parseNullTime(createdAt), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (Agent, error) {
	var agent Agent
	var lastReceive sql.NullString
	var createdAtStr, updatedAtStr string
	if err := row.Scan(&agent.ID, &agent.UserID, &agent.Name, &agent.Options, &lastReceive, &createdAtStr, &updatedAtStr); err != nil {
		return Agent{}, err
	}
	agent.LastReceiveAt = parseNullTime(lastReceive)
	agent.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	agent.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAtStr)
	return agent, nil
}

package window

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrConflict is returned by Repo.Save when the stored version moved on.
var ErrConflict = errors.New("window state changed concurrently")

// State is the persisted memory of one agent's window.
type State struct {
	AgentID string
	// EventIDs are the events in the window, in windowing order.
	EventIDs []int64
	// Watermark is the highest event id incorporated so far; nil until the
	// first event is seen.
	Watermark  *int64
	OrderKey   string
	WindowSize int
	// Version is 0 for a state that was never saved.
	Version   int64
	UpdatedAt time.Time
}

// matches reports whether s was computed for the given order and size.
func (s State) matches(orderKey string, size int) bool {
	return s.OrderKey == orderKey && s.WindowSize == size
}

func (s State) sameContent(other State) bool {
	if !s.matches(other.OrderKey, other.WindowSize) || !slices.Equal(s.EventIDs, other.EventIDs) {
		return false
	}
	switch {
	case s.Watermark == nil && other.Watermark == nil:
		return true
	case s.Watermark == nil || other.Watermark == nil:
		return false
	}
	return *s.Watermark == *other.Watermark
}

// Repo stores window states in the window_state table.
type Repo struct {
	db    *sql.DB
	nowFn func() time.Time
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db, nowFn: func() time.Time { return time.Now().UTC() }}
}

// Load returns the state of agentID. A missing row yields a zero State
// with Version 0.
func (r *Repo) Load(ctx context.Context, agentID string) (State, error) {
	var (
		idsJSON   string
		watermark sql.NullInt64
		updatedAt string
	)
	st := State{AgentID: agentID}
	err := r.db.QueryRowContext(ctx, `
		SELECT event_ids, watermark, order_key, window_size, version, updated_at
		FROM window_state WHERE agent_id = ?
	`, agentID).Scan(&idsJSON, &watermark, &st.OrderKey, &st.WindowSize, &st.Version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load window state: %w", err)
	}
	if err := json.Unmarshal([]byte(idsJSON), &st.EventIDs); err != nil {
		return State{}, fmt.Errorf("decode window ids: %w", err)
	}
	if watermark.Valid {
		w := watermark.Int64
		st.Watermark = &w
	}
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return st, nil
}

// Save writes st if the stored version still equals st.Version and returns
// the state with its new version. A version of 0 only succeeds when no row
// exists yet.
func (r *Repo) Save(ctx context.Context, st State) (State, error) {
	ids := st.EventIDs
	if ids == nil {
		ids = []int64{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return State{}, fmt.Errorf("encode window ids: %w", err)
	}
	var watermark any
	if st.Watermark != nil {
		watermark = *st.Watermark
	}
	now := r.nowFn().UTC()

	var res sql.Result
	if st.Version == 0 {
		res, err = r.db.ExecContext(ctx, `
			INSERT INTO window_state (agent_id, event_ids, watermark, order_key, window_size, version, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT(agent_id) DO NOTHING
		`, st.AgentID, string(idsJSON), watermark, st.OrderKey, st.WindowSize, now.Format(time.RFC3339Nano))
	} else {
		res, err = r.db.ExecContext(ctx, `
			UPDATE window_state
			SET event_ids = ?, watermark = ?, order_key = ?, window_size = ?, version = version + 1, updated_at = ?
			WHERE agent_id = ? AND version = ?
		`, string(idsJSON), watermark, st.OrderKey, st.WindowSize, now.Format(time.RFC3339Nano), st.AgentID, st.Version)
	}
	if err != nil {
		return State{}, fmt.Errorf("save window state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return State{}, fmt.Errorf("save window state: %w", err)
	}
	if n == 0 {
		return State{}, fmt.Errorf("agent %s: %w", st.AgentID, ErrConflict)
	}
	st.EventIDs = ids
	st.Version++
	st.UpdatedAt = now
	return st, nil
}

// Delete forgets the state of agentID so the next read rebuilds it.
func (r *Repo) Delete(ctx context.Context, agentID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM window_state WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("delete window state: %w", err)
	}
	return nil
}

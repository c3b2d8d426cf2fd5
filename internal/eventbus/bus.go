package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Bus is the event log of source agents plus an in-memory fan-out of
// change notices.
type Bus struct {
	db    *sql.DB
	nowFn func() time.Time

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	streams map[string]struct{}
	ch      chan Notice
}

func NewBus(db *sql.DB) *Bus {
	return &Bus{
		db:    db,
		nowFn: func() time.Time { return time.Now().UTC() },
		subs:  map[string]*subscriber{},
	}
}

// WithClock replaces the creation clock; used by tests.
func (b *Bus) WithClock(nowFn func() time.Time) *Bus {
	b.nowFn = nowFn
	return b
}

func (b *Bus) Push(ctx context.Context, input EventInput) (Event, error) {
	if strings.TrimSpace(input.AgentID) == "" {
		return Event{}, fmt.Errorf("agent id is required")
	}
	payload := input.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode payload: %w", err)
	}
	createdAt := b.nowFn().UTC()
	var publishedAt any
	if input.PublishedAt != nil {
		publishedAt = input.PublishedAt.UTC().Format(time.RFC3339Nano)
	}

	res, err := b.db.ExecContext(ctx, `
		INSERT INTO events (agent_id, payload, published_at, created_at)
		VALUES (?, ?, ?, ?)
	`, input.AgentID, string(payloadJSON), publishedAt, createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Event{}, fmt.Errorf("event id: %w", err)
	}

	event := Event{
		ID:          id,
		AgentID:     input.AgentID,
		Payload:     payload,
		PublishedAt: input.PublishedAt,
		CreatedAt:   createdAt,
	}
	b.Notify(Notice{Stream: SourceStream(input.AgentID), Kind: NoticeEvent, AgentID: input.AgentID, EventID: id, At: createdAt})
	return event, nil
}

// Since returns events of the given sources with id > afterID, ascending.
func (b *Bus) Since(ctx context.Context, sources []string, afterID int64) ([]Event, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(sources)
	args = append(args, afterID)
	query := fmt.Sprintf(`SELECT id, agent_id, payload, published_at, created_at FROM events WHERE agent_id IN (%s) AND id > ? ORDER BY id ASC`, placeholders)
	return b.query(ctx, query, args...)
}

// Latest returns the most recent limit events of one source, ascending.
func (b *Bus) Latest(ctx context.Context, source string, limit int) ([]Event, error) {
	if limit <= 0 {
		return nil, nil
	}
	events, err := b.query(ctx, `SELECT id, agent_id, payload, published_at, created_at FROM events WHERE agent_id = ? ORDER BY id DESC LIMIT ?`, source, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// ByIDs loads the listed events that still belong to one of sources,
// ascending by id. Missing ids are skipped.
func (b *Bus) ByIDs(ctx context.Context, sources []string, ids []int64) ([]Event, error) {
	if len(sources) == 0 || len(ids) == 0 {
		return nil, nil
	}
	sourcePlaceholders, args := inClause(sources)
	idPlaceholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	for _, id := range ids {
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT id, agent_id, payload, published_at, created_at FROM events WHERE agent_id IN (%s) AND id IN (%s) ORDER BY id ASC`, sourcePlaceholders, idPlaceholders)
	return b.query(ctx, query, args...)
}

func (b *Bus) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var payloadStr, publishedStr sql.NullString
		var createdAtStr string
		if err := rows.Scan(&e.ID, &e.AgentID, &payloadStr, &publishedStr, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = decodeJSONMap(payloadStr.String)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		if publishedStr.Valid && publishedStr.String != "" {
			if t, err := time.Parse(time.RFC3339Nano, publishedStr.String); err == nil {
				e.PublishedAt = &t
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func (b *Bus) Subscribe(ctx context.Context, streams []string) <-chan Notice {
	ch := make(chan Notice, 64)
	streamSet := map[string]struct{}{}
	for _, s := range streams {
		if s == "" {
			continue
		}
		streamSet[s] = struct{}{}
	}
	id := ulid.Make().String()

	sub := &subscriber{streams: streamSet, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Notify fans n out to subscribers of its stream without blocking.
func (b *Bus) Notify(n Notice) {
	if n.At.IsZero() {
		n.At = b.nowFn().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.streams) > 0 {
			if _, ok := sub.streams[n.Stream]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- n:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func inClause(values []string) (string, []any) {
	args := make([]any, 0, len(values))
	for _, v := range values {
		args = append(args, v)
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(values)), ","), args
}

func decodeJSONMap(v string) map[string]any {
	if v == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

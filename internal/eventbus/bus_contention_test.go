package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/MrBurberry/huginn/internal/testutil"
)

func TestBusPushWithWriteContention(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := NewBus(db)
	ctx := context.Background()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	createdAt := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.Exec(`INSERT INTO events (agent_id, payload, created_at) VALUES (?, ?, ?)`, "hold", "{}", createdAt)
	if err != nil {
		_ = tx.Rollback()
		t.Fatalf("seed event: %v", err)
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = tx.Commit()
	}()

	evt, err := bus.Push(ctx, EventInput{AgentID: "a", Payload: map[string]any{"title": "contention"}})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if evt.ID < 2 {
		t.Fatalf("expected push to land after the held insert, got id %d", evt.ID)
	}
}

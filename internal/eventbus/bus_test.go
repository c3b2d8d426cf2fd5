package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/MrBurberry/huginn/internal/testutil"
)

func TestBusPushSinceLatestByIDs(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := NewBus(db)
	ctx := context.Background()

	var ids []int64
	for i, source := range []string{"a", "b", "a", "a", "b"} {
		evt, err := bus.Push(ctx, EventInput{AgentID: source, Payload: map[string]any{"n": i}})
		if err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
		ids = append(ids, evt.ID)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("expected increasing ids, got %v", ids)
		}
	}

	since, err := bus.Since(ctx, []string{"a", "b"}, ids[1])
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(since) != 3 || since[0].ID != ids[2] || since[2].ID != ids[4] {
		t.Fatalf("unexpected since result: %+v", since)
	}

	latest, err := bus.Latest(ctx, "a", 2)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(latest) != 2 || latest[0].ID != ids[2] || latest[1].ID != ids[3] {
		t.Fatalf("expected last two of a ascending, got %+v", latest)
	}
	if latest[0].Payload["n"] != float64(2) {
		t.Fatalf("unexpected payload: %v", latest[0].Payload)
	}

	byID, err := bus.ByIDs(ctx, []string{"b"}, []int64{ids[4], ids[0], ids[1]})
	if err != nil {
		t.Fatalf("by ids: %v", err)
	}
	if len(byID) != 2 || byID[0].ID != ids[1] || byID[1].ID != ids[4] {
		t.Fatalf("expected only b events ascending, got %+v", byID)
	}
}

func TestBusEmptyInputs(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := NewBus(db)
	ctx := context.Background()

	if _, err := bus.Push(ctx, EventInput{}); err == nil {
		t.Fatalf("expected error without agent id")
	}
	if events, err := bus.Since(ctx, nil, 0); err != nil || events != nil {
		t.Fatalf("expected nil for no sources, got %v %v", events, err)
	}
	if events, err := bus.ByIDs(ctx, []string{"a"}, nil); err != nil || events != nil {
		t.Fatalf("expected nil for no ids, got %v %v", events, err)
	}
}

func TestBusPublishedAtRoundTrip(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := NewBus(db)
	ctx := context.Background()

	published := time.Date(2023, 3, 4, 5, 6, 7, 0, time.UTC)
	evt, err := bus.Push(ctx, EventInput{AgentID: "a", PublishedAt: &published})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	events, err := bus.ByIDs(ctx, []string{"a"}, []int64{evt.ID})
	if err != nil {
		t.Fatalf("by ids: %v", err)
	}
	if len(events) != 1 || events[0].PublishedAt == nil || !events[0].PublishedAt.Equal(published) {
		t.Fatalf("published_at not preserved: %+v", events)
	}
}

func TestBusSubscribeNotices(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := NewBus(db)
	ctx := context.Background()

	subCtx, cancel := context.WithCancel(ctx)
	sub := bus.Subscribe(subCtx, []string{SourceStream("a")})

	go func() {
		_, _ = bus.Push(ctx, EventInput{AgentID: "b", Payload: map[string]any{"skip": true}})
		_, _ = bus.Push(ctx, EventInput{AgentID: "a", Payload: map[string]any{"keep": true}})
	}()

	select {
	case n := <-sub:
		if n.AgentID != "a" || n.Kind != NoticeEvent || n.EventID == 0 {
			t.Fatalf("unexpected notice: %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for notice")
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for bus.SubscriberCount() != 0 {
		select {
		case <-deadline:
			t.Fatalf("subscriber not removed")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrBurberry/huginn/internal/eventbus"
	"github.com/MrBurberry/huginn/internal/testutil"
)

type fakeWSWriter struct {
	mu       sync.Mutex
	messages [][]byte
}

func (f *fakeWSWriter) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, data)
	return nil
}

func (f *fakeWSWriter) first() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil, false
	}
	return f.messages[0], true
}

func TestStreamNoticesWriter(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	bus := eventbus.NewBus(db)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := &fakeWSWriter{}
	done := make(chan error, 1)
	go func() {
		done <- streamNotices(ctx, bus, []string{eventbus.FeedStream("a1")}, writer)
	}()

	deadline := time.After(2 * time.Second)
	for {
		// Repeat until the subscription is registered; notices are not buffered.
		bus.Notify(eventbus.Notice{Stream: eventbus.FeedStream("other"), Kind: eventbus.NoticeRefreshed, AgentID: "other"})
		bus.Notify(eventbus.Notice{Stream: eventbus.FeedStream("a1"), Kind: eventbus.NoticeRefreshed, AgentID: "a1"})
		if data, ok := writer.first(); ok {
			var n eventbus.Notice
			if err := json.Unmarshal(data, &n); err != nil {
				t.Fatalf("decode ws payload: %v", err)
			}
			if n.AgentID != "a1" || n.Kind != eventbus.NoticeRefreshed {
				t.Fatalf("unexpected notice: %+v", n)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for ws message")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			t.Fatalf("stream ended with %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not stop after cancel")
	}
}

func TestServerFeedWS(t *testing.T) {
	env := newTestEnv(t)
	agent := env.createAgent(t, "src-1")

	srv := httptest.NewServer(env.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/agents/" + agent.ID + "/feed/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = env.server.Feeds.Receive(context.Background(), agent.ID)
	}()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var n eventbus.Notice
	if err := json.Unmarshal(data, &n); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if n.AgentID != agent.ID || n.Stream != eventbus.FeedStream(agent.ID) {
		t.Fatalf("unexpected notice: %+v", n)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")

	_, _, err = websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/agents/missing/feed/ws", nil)
	if err == nil {
		t.Fatalf("expected dial to unknown agent to fail")
	}
}

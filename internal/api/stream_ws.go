package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrBurberry/huginn/internal/eventbus"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleFeedWS streams refresh notices of one feed over a websocket.
func (s *Server) handleFeedWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")
	if _, err := s.Store.GetAgent(r.Context(), agentID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// Readers never send; CloseRead answers pings and notices the peer leaving.
	ctx := conn.CloseRead(r.Context())
	if err := streamNotices(ctx, s.Bus, []string{eventbus.FeedStream(agentID)}, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamNotices(ctx context.Context, bus *eventbus.Bus, streamList []string, writer wsWriter) error {
	sub := bus.Subscribe(ctx, streamList)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(n)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}

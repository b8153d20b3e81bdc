package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// handleWS streams session events to the client. Subscription happens
// before the upgrade so authorization failures surface as plain HTTP
// statuses.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	sub, err := s.orch.Subscribe(r.Context(), owner, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer sub.Cancel()
	if s.metrics != nil {
		s.metrics.ActiveSubscribers.Add(r.Context(), 1)
		defer s.metrics.ActiveSubscribers.Add(context.Background(), -1)
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept already wrote the handshake failure.
		return
	}
	defer c.CloseNow()

	// CloseRead surfaces client-initiated closes through ctx.
	ctx := c.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				// The session was deleted; tell the client this is final.
				_ = c.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			if err := wsjson.Write(ctx, c, ev); err != nil {
				s.log.Debug("websocket write failed",
					slog.String("session", id), slog.String("error", err.Error()))
				return
			}
		}
	}
}

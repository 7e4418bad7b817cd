package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboard clients connect from a different origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const streamInterval = 2 * time.Second

// handleStream pushes a state snapshot (active trades plus the current
// opportunity ranking) to the dashboard every streamInterval until the
// client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()

	for {
		trades, err := s.trader.ActiveTrades(r.Context())
		if err != nil {
			s.logger.WithError(err).Debug("Stream snapshot failed")
			trades = nil
		}
		payload := map[string]interface{}{
			"timestamp":     time.Now().UTC(),
			"trades":        trades,
			"opportunities": s.trader.Opportunities(),
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(payload); err != nil {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"inventory-sync/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type EventType string

const (
	EventSync  EventType = "sync"
	EventQueue EventType = "queue"
)

type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// Events streams sync state and queue snapshots over a websocket. Each
// stream starts with its current value.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	states, unsubscribeSync := h.syncManager.Subscribe()
	defer unsubscribeSync()
	snapshots, unsubscribeQueue := h.queue.Subscribe()
	defer unsubscribeQueue()

	closed := make(chan struct{})
	go readPump(conn, closed)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var event Event
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			event = Event{Type: EventSync, Data: st}
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			event = Event{Type: EventQueue, Data: snap}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(event); err != nil {
			logger.Log.Debug("Websocket write failed", zap.Error(err))
			return
		}
	}
}

// readPump discards client messages and reports when the peer goes away.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Log.Debug("Websocket closed", zap.Error(err))
			}
			return
		}
	}
}

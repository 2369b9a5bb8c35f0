package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"autotrader-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamMessage is one event frame on /ws.
type StreamMessage struct {
	Type events.Event `json:"type"`
	Data any          `json:"data"`
}

const wsWriteTimeout = 5 * time.Second

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("api: ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	done := make(chan struct{})
	defer close(done)

	merged := make(chan StreamMessage, 100)
	for _, topic := range events.Topics {
		topic := topic
		stream, unsub := s.Bus.Subscribe(topic, 100)
		defer unsub()
		go func() {
			for payload := range stream {
				select {
				case merged <- StreamMessage{Type: topic, Data: payload}:
				case <-done:
					return
				}
			}
		}()
	}

	// The read loop only exists to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case msg := <-merged:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("api: ws write error: %v", err)
				return
			}
		}
	}
}

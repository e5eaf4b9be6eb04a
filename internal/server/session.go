package server

import "github.com/fasthttp/websocket"

// ConnLike is the subset of a websocket connection a session uses.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Session is one connected user.
type Session struct {
	ID       string
	Username string
	Conn     ConnLike
	Send     chan []byte
}

// ReadPump feeds inbound frames to the hub until the connection drops.
func (s *Session) ReadPump(h *Hub) {
	for {
		_, data, err := s.Conn.ReadMessage()
		if err != nil {
			h.UnregisterChan <- s
			return
		}
		h.InboundChan <- &inboundFrame{from: s, data: data}
	}
}

// WritePump drains the send queue onto the socket.
func (s *Session) WritePump() {
	for data := range s.Send {
		_ = s.Conn.WriteMessage(websocket.TextMessage, data)
	}
}

// push queues a frame without blocking; slow consumers drop frames.
func (s *Session) push(data []byte) {
	select {
	case s.Send <- data:
	default:
	}
}

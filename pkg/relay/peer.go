package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Peer is one socket registered in a room. Frames reach it through a bounded queue drained by its write
// pump, so a slow socket never holds up the room.
type Peer struct {
	ID   string
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewPeer(id string, queueSize int) *Peer {
	return &Peer{ID: id, send: make(chan []byte, queueSize), done: make(chan struct{})}
}

// enqueue never blocks. It reports false when the queue is full or the peer was kicked.
func (p *Peer) enqueue(frame []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

// Kick makes the write pump close the socket.
func (p *Peer) Kick() {
	p.once.Do(func() { close(p.done) })
}

func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Outbox exposes the queued frames. Only tests and the write pump read from it.
func (p *Peer) Outbox() <-chan []byte {
	return p.send
}

func (p *Peer) writePump(conn *websocket.Conn, cfg Config, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case frame := <-p.send:
			_ = conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				logger.Warn("failed to write frame", "err", err)
				p.Kick()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.Kick()
				return
			}
		case <-p.done:
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteTimeout),
			)
			return
		}
	}
}

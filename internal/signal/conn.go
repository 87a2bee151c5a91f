package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultPingInterval is how often a ping frame is written.
	DefaultPingInterval = 20 * time.Second

	// DefaultReadTimeout bounds the silence tolerated from the peer.
	// Every pong or message extends it.
	DefaultReadTimeout = 60 * time.Second

	writeTimeout = 10 * time.Second
	sendBuffer   = 64
)

// ErrConnClosed is returned by Send after Close.
var ErrConnClosed = errors.New("signalling connection closed")

// Keepalive tunes the ping and read deadlines of a Conn. Zero fields take the
// defaults.
type Keepalive struct {
	PingInterval time.Duration
	ReadTimeout  time.Duration
}

func (k Keepalive) withDefaults() Keepalive {
	if k.PingInterval <= 0 {
		k.PingInterval = DefaultPingInterval
	}
	if k.ReadTimeout <= 0 {
		k.ReadTimeout = DefaultReadTimeout
	}
	return k
}

// Conn frames Messages over a websocket. Writes go through a single writer
// goroutine that also sends pings; Read must only be called from one
// goroutine.
type Conn struct {
	ws        *websocket.Conn
	keepalive Keepalive

	send      chan []byte
	done      chan struct{}
	writeDone chan struct{}
	closeOnce sync.Once
}

// NewConn takes ownership of ws and starts its writer.
func NewConn(ws *websocket.Conn, keepalive Keepalive) *Conn {
	c := &Conn{
		ws:        ws,
		keepalive: keepalive.withDefaults(),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.keepalive.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.keepalive.ReadTimeout))
	})
	go c.writePump()
	return c
}

// Read blocks for the next message. Frames that are not valid JSON are
// skipped.
func (c *Conn) Read() (Message, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return Message{}, err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.keepalive.ReadTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			continue
		}
		return msg, nil
	}
}

// Send queues msg for the writer. It blocks while the queue is full.
func (c *Conn) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

// Close flushes queued messages, sends a close frame and closes the socket.
// It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	<-c.writeDone
	return nil
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.keepalive.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		close(c.writeDone)
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.closeOnce.Do(func() { close(c.done) })
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.closeOnce.Do(func() { close(c.done) })
				return
			}
		case <-c.done:
			for {
				select {
				case data := <-c.send:
					if err := c.write(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

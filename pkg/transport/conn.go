/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Juice-Labs/gpu-relay/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 256
)

type conn struct {
	handle Handle
	ws     *websocket.Conn

	send   chan []byte
	closed chan struct{}

	closeOnce sync.Once
}

func newConn(handle Handle, ws *websocket.Conn) *conn {
	return &conn{
		handle: handle,
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// enqueue never blocks. A connection that cannot keep up is closed.
func (c *conn) enqueue(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	case <-c.closed:
		return false
	default:
		logger.Warningw("send buffer full, closing connection", "handle", c.handle)
		c.close()
		return false
	}
}

func (c *conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}

// readPump hands every text frame to deliver until the peer goes away.
func (c *conn) readPump(deliver func(data []byte) bool) {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debugw("connection read failed", "handle", c.handle, "error", err)
			}
			return
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		if !deliver(data) {
			return
		}
	}
}

func (c *conn) writePump(ticker <-chan time.Time, stop func()) {
	defer stop()
	defer c.close()

	for {
		select {
		case <-c.closed:
			c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return

		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debugw("connection write failed", "handle", c.handle, "error", err)
				return
			}

		case <-ticker:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

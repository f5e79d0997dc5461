package stratum

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// MessageConn is the downstream transport contract: an ordered, framed,
// reliable message stream. The TCP implementation frames with newlines, the
// WebSocket implementation with text frames; sessions never care which.
type MessageConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
	RemoteAddr() string
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// lineConn frames messages as newline-delimited JSON over a raw socket.
type lineConn struct {
	conn    net.Conn
	scanner *bufio.Scanner
}

// NewLineConn wraps a raw socket with newline framing. maxMessageSize bounds
// the scanner buffer.
func NewLineConn(conn net.Conn, maxMessageSize int) MessageConn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, maxMessageSize), maxMessageSize)
	return &lineConn{conn: conn, scanner: scanner}
}

func (c *lineConn) ReadMessage() ([]byte, error) {
	for {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("connection closed: %w", net.ErrClosed)
		}
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; hand out a copy.
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
}

func (c *lineConn) WriteMessage(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	_, err := c.conn.Write(buf)
	return err
}

func (c *lineConn) Close() error {
	return c.conn.Close()
}

func (c *lineConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *lineConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *lineConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// wsConn frames messages as WebSocket text frames. This is the transport
// browser miners use, since they cannot open raw TCP sockets.
type wsConn struct {
	conn *websocket.Conn
}

// NewWebSocketConn wraps an upgraded WebSocket connection.
func NewWebSocketConn(conn *websocket.Conn) MessageConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

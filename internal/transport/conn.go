package transport

import (
	"bufio"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/danmuck/meshbus/internal/protocol"
	"github.com/danmuck/meshbus/internal/protocol/frame"
	"github.com/danmuck/meshbus/internal/protocol/session"
)

const (
	KindTCP       = "tcp"
	KindWebSocket = "ws"
)

// Conn moves whole frames over one established connection. ReadFrame and
// WriteFrame may be called from different goroutines, but each from only
// one.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() string
	Kind() string
	Close() error
}

type streamConn struct {
	conn   net.Conn
	reader *bufio.Reader
	limits frame.Limits
}

func newStreamConn(c net.Conn, limits frame.Limits) *streamConn {
	return &streamConn{conn: c, reader: bufio.NewReader(c), limits: limits}
}

// handshake exchanges hellos and returns the peer's protocol version.
func (c *streamConn) handshake(timeout time.Duration) (uint16, error) {
	_ = c.conn.SetDeadline(time.Now().Add(timeout))
	if err := session.WriteHello(c.conn, uint16(protocol.ProtocolVersion)); err != nil {
		return 0, err
	}
	version, err := session.ReadHello(c.reader, uint16(protocol.ProtocolVersion))
	if err != nil {
		return 0, err
	}
	_ = c.conn.SetDeadline(time.Time{})
	return version, nil
}

func (c *streamConn) ReadFrame() ([]byte, error) {
	return frame.ReadFrame(c.reader, c.limits)
}

func (c *streamConn) WriteFrame(payload []byte) error {
	return frame.WriteFrame(c.conn, payload, c.limits)
}

func (c *streamConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *streamConn) RemoteAddr() string                 { return c.conn.RemoteAddr().String() }
func (c *streamConn) Kind() string                       { return KindTCP }
func (c *streamConn) Close() error                       { return c.conn.Close() }

type wsConn struct {
	conn *websocket.Conn
}

func newWSConn(c *websocket.Conn, limits frame.Limits) *wsConn {
	c.SetReadLimit(int64(limits.MaxPayloadBytes))
	return &wsConn{conn: c}
}

// ReadFrame returns the next binary message. Text and empty messages are
// skipped.
func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.BinaryMessage && len(data) > 0 {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(payload []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *wsConn) RemoteAddr() string                 { return c.conn.RemoteAddr().String() }
func (c *wsConn) Kind() string                       { return KindWebSocket }

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

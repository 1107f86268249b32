package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// PathType mirrors pkg/p2pnet/pathdialer.go's DIRECT/RELAYED classification,
// generalized to the spec's three endpoint kinds (local and public both
// dial directly; only relay goes through a forwarding hub).
type PathType string

const (
	PathLocal  PathType = "local"
	PathPublic PathType = "public"
	PathRelay  PathType = "relay"
)

// maxFrameSize bounds a single frame so a malformed length prefix can never
// make the reader allocate unbounded memory.
const maxFrameSize = 16 << 20 // 16MiB; well above any single invoke shard

// frameConn is the minimal framed-message transport a Session needs,
// implemented once per endpoint kind so the handshake and session logic
// above it never need to know whether it's talking TCP or WebSocket.
type frameConn interface {
	WriteFrame(data []byte) error
	ReadFrame() ([]byte, error)
	Close() error
	PathType() PathType
	RemoteAddr() string
}

// tcpFrameConn frames messages over a raw net.Conn (local and public
// endpoints) with a 4-byte big-endian length prefix.
type tcpFrameConn struct {
	conn net.Conn
	path PathType
}

func newTCPFrameConn(conn net.Conn, path PathType) *tcpFrameConn {
	return &tcpFrameConn{conn: conn, path: path}
}

func (c *tcpFrameConn) WriteFrame(data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds max %d", len(data), maxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *tcpFrameConn) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("transport: peer announced frame of %d bytes, exceeds max %d", n, maxFrameSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *tcpFrameConn) Close() error                  { return c.conn.Close() }
func (c *tcpFrameConn) PathType() PathType            { return c.path }
func (c *tcpFrameConn) RemoteAddr() string            { return c.conn.RemoteAddr().String() }
func (c *tcpFrameConn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// wsFrameConn frames messages over a gorilla/websocket connection (relay
// endpoint). WebSocket already preserves message boundaries, so no length
// prefix is needed; every Write/ReadMessage call is exactly one frame.
type wsFrameConn struct {
	conn *websocket.Conn
}

func newWSFrameConn(conn *websocket.Conn) *wsFrameConn {
	return &wsFrameConn{conn: conn}
}

func (c *wsFrameConn) WriteFrame(data []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsFrameConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsFrameConn) Close() error       { return c.conn.Close() }
func (c *wsFrameConn) PathType() PathType { return PathRelay }
func (c *wsFrameConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

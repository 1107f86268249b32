package transport

import (
	"fmt"
	"sync"
)

// pipeConn is an in-memory frameConn pair for exercising the handshake and
// Session machinery without a real socket. newPipe returns both ends already
// wired to each other.
type pipeConn struct {
	out    chan []byte
	in     chan []byte
	path   PathType
	remote string

	closeOnce sync.Once
	closed    chan struct{}
}

func newPipe() (*pipeConn, *pipeConn) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	left := &pipeConn{out: a, in: b, path: PathLocal, remote: "pipe-left", closed: make(chan struct{})}
	right := &pipeConn{out: b, in: a, path: PathLocal, remote: "pipe-right", closed: make(chan struct{})}
	return left, right
}

func (p *pipeConn) WriteFrame(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case p.out <- cp:
		return nil
	case <-p.closed:
		return fmt.Errorf("pipeConn: closed")
	}
}

func (p *pipeConn) ReadFrame() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, fmt.Errorf("pipeConn: closed")
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeConn) PathType() PathType { return p.path }
func (p *pipeConn) RemoteAddr() string { return p.remote }

package sni

import (
	"errors"
	"net"
	"sync"
)

// maxCapture bounds how much of the stream a CaptureConn records. A
// ClientHello larger than this is treated as unreadable.
const maxCapture = 64 << 10

// CaptureListener wraps accepted connections in CaptureConn.
type CaptureListener struct {
	net.Listener
}

// NewCaptureListener returns a listener whose connections record their
// ClientHello.
func NewCaptureListener(l net.Listener) *CaptureListener {
	return &CaptureListener{Listener: l}
}

func (l *CaptureListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewCaptureConn(c), nil
}

// CaptureConn records the bytes read from the peer until a full ClientHello
// has gone by, then stops recording. It implements Session.
type CaptureConn struct {
	net.Conn

	mu    sync.Mutex
	buf   []byte
	done  bool
	names []ServerName
	err   error
}

func NewCaptureConn(c net.Conn) *CaptureConn {
	return &CaptureConn{Conn: c}
}

func (c *CaptureConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.record(p[:n])
	}
	return n, err
}

func (c *CaptureConn) record(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.buf = append(c.buf, p...)
	names, err := ParseClientHello(c.buf)
	switch {
	case errors.Is(err, ErrIncomplete) && len(c.buf) < maxCapture:
		return
	case errors.Is(err, ErrIncomplete):
		c.err = ErrMalformed
	default:
		c.names, c.err = names, err
	}
	c.done = true
	c.buf = nil
}

// RequestedServerNames returns the server_name entries of the captured
// ClientHello. Before a complete hello was read it returns ErrUnsupported.
func (c *CaptureConn) RequestedServerNames() ([]ServerName, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.done {
		return nil, ErrUnsupported
	}
	if c.err != nil {
		return nil, c.err
	}
	return append([]ServerName(nil), c.names...), nil
}

// NetConn returns the wrapped connection.
func (c *CaptureConn) NetConn() net.Conn { return c.Conn }

// SessionOf finds the Session behind conn, unwrapping connections that expose
// NetConn such as *tls.Conn.
func SessionOf(conn net.Conn) (Session, bool) {
	for conn != nil {
		if s, ok := conn.(Session); ok {
			return s, true
		}
		u, ok := conn.(interface{ NetConn() net.Conn })
		if !ok {
			return nil, false
		}
		conn = u.NetConn()
	}
	return nil, false
}

package ftp

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"sync"
)

// listCapture records what the server sends on data connections opened
// while it is armed. The library parses LIST output itself and keeps only
// name, type and size; the recorded lines keep the mode string and the
// owner and group columns.
type listCapture struct {
	mu    sync.Mutex
	armed bool
	buf   bytes.Buffer
}

func (l *listCapture) arm() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.armed = true
	l.buf.Reset()
}

// disarm stops recording and returns the recorded lines without their
// line terminators.
func (l *listCapture) disarm() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.armed = false

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(l.buf.Bytes()))
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	l.buf.Reset()
	return lines
}

// wrap returns conn unchanged unless a listing is being recorded, so
// transfers keep the connection type the library expects.
func (l *listCapture) wrap(conn net.Conn) net.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.armed {
		return conn
	}
	return &capturingConn{Conn: conn, capture: l}
}

func (l *listCapture) record(p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.armed {
		l.buf.Write(p)
	}
}

type capturingConn struct {
	net.Conn
	capture *listCapture
}

func (c *capturingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.capture.record(p[:n])
	}
	return n, err
}

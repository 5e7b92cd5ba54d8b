package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// maxFrameSize bounds a single envelope. SessionConfig is the largest message
// and grows with the number of parties.
const maxFrameSize = 1 << 20

// Conn frames protocol messages over a reliable, ordered byte stream.
// Send is safe for concurrent use; Receive must only be called from one
// goroutine.
type Conn struct {
	conn    net.Conn
	scanner *bufio.Scanner

	writeMu sync.Mutex
	enc     *json.Encoder

	closeOnce sync.Once
}

// NewConn wraps an established connection.
func NewConn(conn net.Conn) *Conn {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)
	return &Conn{
		conn:    conn,
		scanner: scanner,
		enc:     json.NewEncoder(conn),
	}
}

// Dial connects to a host and wraps the connection.
func Dial(ctx context.Context, addr Address, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

// Send writes one message. json.Encoder terminates every value with a newline,
// which is the frame delimiter.
func (c *Conn) Send(msg Message) error {
	env, err := Wrap(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enc.Encode(env); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type(), err)
	}
	return nil
}

// Receive blocks until the next message arrives. It returns io.EOF once the
// peer closed the connection.
func (c *Conn) Receive() (Message, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		env, err := UnmarshalMessage[Envelope](line)
		if err != nil {
			return nil, fmt.Errorf("malformed envelope: %w", err)
		}
		return env.Unwrap()
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// RemoteIP returns the ip address of the peer, or "" if it cannot be determined.
func (c *Conn) RemoteIP() string {
	if tcpAddr, ok := c.conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return host
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

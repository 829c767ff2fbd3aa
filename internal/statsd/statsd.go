// Package statsd implements the UDP stats sink consumed by the overseer
//: graphite-style lines, one datagram per flush.
package statsd

import (
	"fmt"
	"net"
	"strings"
)

// Line is one graphite-style sample: "<metric-path> <value> <epoch-seconds>".
type Line struct {
	Metric    string
	Value     int64
	EpochSecs int64
}

func (l Line) String() string {
	return fmt.Sprintf("%s %d %d", l.Metric, l.Value, l.EpochSecs)
}

// Client pushes newline-joined Lines to a UDP endpoint.
type Client struct {
	addr string
	conn net.Conn
}

// Dial opens a UDP "connection" (really just a fixed destination for
// subsequent writes) to addr, e.g. "localhost:3002".
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{addr: addr, conn: conn}, nil
}

// Send writes every line as a single datagram, newline-joined.
func (c *Client) Send(lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.String()
	}
	payload := strings.Join(parts, "\n")
	_, err := c.conn.Write([]byte(payload))
	return err
}

// Close releases the underlying socket.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

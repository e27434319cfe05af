package signer

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// maxFrameSize bounds a single frame read off the wire.
const maxFrameSize = 1 << 20

// ConnStream frames a net.Conn with a 4-byte big-endian length prefix.
type ConnStream struct {
	conn    net.Conn
	writeMu sync.Mutex
	readMu  sync.Mutex
}

// NewConnStream wraps an established connection to a remote authority.
func NewConnStream(conn net.Conn) *ConnStream {
	return &ConnStream{conn: conn}
}

// WriteFrame writes one length-prefixed frame.
func (c *ConnStream) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
	if _, err := c.conn.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func (c *ConnStream) ReadFrame() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("signer: frame of %d bytes exceeds limit", size)
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(c.conn, frame); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return frame, nil
}

// Close closes the underlying connection.
func (c *ConnStream) Close() error {
	return c.conn.Close()
}

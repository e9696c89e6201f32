package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/dbezuglov/ticksync/internal/protocol"
)

// ErrClosed reports that the peer closed the stream. Callers drop the
// connection and move on; it is never fatal to the process.
var ErrClosed = errors.New("connection closed")

const defaultWriteTimeout = time.Second

// pollTimeout bounds one poll. The deadline must sit slightly in the
// future: an already-expired deadline fails the read before the kernel
// buffer is even looked at, and buffered bytes would never surface.
const pollTimeout = time.Millisecond

// frameBuffer accumulates raw inbound bytes and carves complete frames out
// of them. A partially received frame stays buffered until more bytes arrive.
type frameBuffer struct {
	buf []byte
}

func (fb *frameBuffer) feed(data []byte) {
	fb.buf = append(fb.buf, data...)
}

// next extracts one complete message, or returns (nil, nil) when the buffer
// holds only a partial frame. A malformed header poisons the whole stream,
// there is no way to find the next frame boundary after it.
func (fb *frameBuffer) next() (*protocol.Msg, error) {
	if len(fb.buf) < protocol.MsgHeaderSize {
		return nil, nil
	}

	header := protocol.MsgHeader{}
	if err := header.UnmarshalBinary(fb.buf[0:protocol.MsgHeaderSize]); err != nil {
		return nil, fmt.Errorf("could not unmarshal header: %w", err)
	}

	frameSize := protocol.MsgHeaderSize + int(header.Size)
	if frameSize > protocol.MsgMaxSize {
		return nil, fmt.Errorf("frame too large (got %d; max %d)", frameSize, protocol.MsgMaxSize)
	}
	if len(fb.buf) < frameSize {
		return nil, nil
	}

	msg := &protocol.Msg{}
	if err := msg.UnmarshalBinary(fb.buf[0:frameSize]); err != nil {
		return nil, fmt.Errorf("could not unmarshal msg: %w", err)
	}

	// shift the remainder down; the buffer is reused across polls and must
	// not alias the bytes just handed out.
	n := copy(fb.buf, fb.buf[frameSize:])
	fb.buf = fb.buf[0:n]

	return msg, nil
}

// Conn is one framed bidirectional channel over a byte stream. It owns the
// inbound buffering state and is the unit of addressability for a peer.
type Conn struct {
	nc           net.Conn
	scratch      []byte
	inbound      frameBuffer
	writeTimeout time.Duration
}

// Dial opens a framed connection to a listening peer.
func Dial(network, address string) (*Conn, error) {
	nc, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not connect: %w", err)
	}
	return NewConn(nc), nil
}

func NewConn(nc net.Conn) *Conn {
	return &Conn{
		nc:           nc,
		scratch:      make([]byte, protocol.MsgMaxSize),
		writeTimeout: defaultWriteTimeout,
	}
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

func (c *Conn) Close() error {
	return c.nc.Close()
}

// Send frames and writes one message. A failed write is reported, never
// escalated; the caller decides whether to drop the connection.
func (c *Conn) Send(msg *protocol.Msg) error {
	msgBytes, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("could not marshal msg: %w", err)
	}

	if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("could not set write deadline: %w", err)
	}
	if _, err := c.nc.Write(msgBytes); err != nil {
		return fmt.Errorf("could not write: %w", err)
	}

	return nil
}

// PollMessages drains whatever bytes are currently readable, then dispatches
// every complete buffered message to onMessage in arrival order. The read
// deadline turns the blocking stream read into a bounded poll; the call
// returns within roughly pollTimeout when the stream goes quiet.
//
// A non-nil error means the connection is done for (closed, read failure, or
// an undecodable frame); complete messages received before the failure are
// still dispatched.
func (c *Conn) PollMessages(onMessage func(*protocol.Msg)) error {
	var readErr error
	for {
		if err := c.nc.SetReadDeadline(time.Now().Add(pollTimeout)); err != nil {
			readErr = fmt.Errorf("could not set read deadline: %w", err)
			break
		}

		n, err := c.nc.Read(c.scratch)
		if n > 0 {
			c.inbound.feed(c.scratch[0:n])
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				break
			}
			if errors.Is(err, io.EOF) {
				readErr = ErrClosed
			} else {
				readErr = fmt.Errorf("could not read: %w", err)
			}
			break
		}
	}

	for {
		msg, err := c.inbound.next()
		if err != nil {
			return fmt.Errorf("could not decode frame: %w", err)
		}
		if msg == nil {
			break
		}
		onMessage(msg)
	}

	return readErr
}

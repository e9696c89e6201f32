package gameclient

import (
	"io"

	"github.com/dbezuglov/ticksync/internal/protocol"
	"github.com/dbezuglov/ticksync/internal/transport"
	"github.com/phuslu/log"
)

// Client owns exactly one connection to a known server address.
type Client struct {
	conn *transport.Conn

	logger *log.Logger

	disconnected bool
}

func Connect(network, address string, logger *log.Logger) (*Client, error) {
	conn, err := transport.Dial(network, address)
	if err != nil {
		return nil, err
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	c := &Client{
		conn: conn,

		logger: logger,
	}

	return c, nil
}

// Connected reports whether the connection is still believed healthy. Once
// it goes false it never goes back; the host reconnects with a fresh Client.
func (c *Client) Connected() bool {
	return !c.disconnected
}

func (c *Client) Close() error {
	c.disconnected = true
	return c.conn.Close()
}

// ReadMessages polls the connection and hands every decoded server message
// to onMessage in stream order. A transport or decode failure marks the
// client disconnected; it is reported, never fatal.
func (c *Client) ReadMessages(onMessage func(msg *protocol.Msg)) error {
	if c.disconnected {
		return transport.ErrClosed
	}

	err := c.conn.PollMessages(func(msg *protocol.Msg) {
		c.logger.Debug().
			Uint64("kind", uint64(msg.Header.Kind)).
			Msg("recv")

		onMessage(msg)
	})
	if err != nil {
		c.logger.Warn().Msgf("disconnected: %v", err)
		c.disconnected = true
		_ = c.conn.Close()
		return err
	}

	return nil
}

func (c *Client) Send(msg *protocol.Msg) error {
	if c.disconnected {
		return transport.ErrClosed
	}

	if err := c.conn.Send(msg); err != nil {
		c.logger.Warn().Msgf("disconnected: %v", err)
		c.disconnected = true
		_ = c.conn.Close()
		return err
	}

	return nil
}

func (c *Client) SendPlayerInput(left, right bool) error {
	return c.Send(protocol.NewPlayerInputMsg(left, right))
}

package transport

import (
	"fmt"
	"net"
	"time"
)

// Listener accepts inbound connections without ever blocking the tick.
type Listener struct {
	tl *net.TCPListener
}

func Listen(network, address string) (*Listener, error) {
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve tcp addr: %w", err)
	}

	tl, err := net.ListenTCP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen tcp: %w", err)
	}

	return &Listener{tl: tl}, nil
}

// Addr can be useful to retrieve the bound address when the Listener was
// constructed with ":0".
func (l *Listener) Addr() *net.TCPAddr {
	return l.tl.Addr().(*net.TCPAddr)
}

func (l *Listener) Close() error {
	return l.tl.Close()
}

// AcceptConns returns every connection that completed its handshake since
// the last call, possibly none. The short accept deadline bounds the call;
// it cannot be zero, an already-expired deadline fails before pending
// connections are looked at.
func (l *Listener) AcceptConns() []*Conn {
	conns := []*Conn(nil)
	for {
		if err := l.tl.SetDeadline(time.Now().Add(time.Millisecond)); err != nil {
			break
		}

		nc, err := l.tl.Accept()
		if err != nil {
			// a timeout just means nobody is knocking; any other
			// error is left for the next tick to retry
			break
		}
		conns = append(conns, NewConn(nc))
	}
	return conns
}

package gameserver

import (
	"fmt"
	"io"
	"net"

	"github.com/cespare/xxhash/v2"
	"github.com/dbezuglov/ticksync/internal/protocol"
	"github.com/dbezuglov/ticksync/internal/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

// ConnKey identifies one live connection in logs and callbacks.
type ConnKey uint64

func makeConnKey(addr net.Addr) ConnKey {
	return ConnKey(xxhash.Sum64String(addr.String()))
}

// EntityStates is the read-only boundary to the host's entity store: visit
// hands over one replication state per entity, in the store's iteration
// order.
type EntityStates interface {
	VisitStates(visit func(protocol.NodeState))
}

type serverConn struct {
	key    ConnKey
	stream *transport.Conn
	// a connection that joined after the delta baseline was established
	// would silently miss every entity that happens to be unchanged; it
	// gets one private full snapshot before entering the delta stream
	needsBaseline bool
	dead          bool
}

// Server owns the listener, the live connection set, and the snapshot cache
// that delta compression diffs against. All methods are meant to be called
// from the host's tick, one after another, never concurrently.
type Server struct {
	listener *transport.Listener
	conns    []*serverConn

	// last state *sent* per entity; never holds a state that was computed
	// but not transmitted
	prevStates map[protocol.EntityID]protocol.NodeState

	logger *log.Logger
}

func NewServer(network, address string, logger *log.Logger) (*Server, error) {
	listener, err := transport.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not bind: %w", err)
	}

	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	s := &Server{
		listener: listener,

		prevStates: make(map[protocol.EntityID]protocol.NodeState),

		logger: logger,
	}

	return s, nil
}

// Addr can be useful to retrieve the server's address when it was
// constructed with ":0".
func (s *Server) Addr() *net.TCPAddr {
	return s.listener.Addr()
}

func (s *Server) NumConns() int {
	n := 0
	for _, sc := range s.conns {
		if !sc.dead {
			n++
		}
	}
	return n
}

func (s *Server) Close() error {
	var errs error
	for _, sc := range s.conns {
		if err := sc.stream.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	s.conns = nil
	if err := s.listener.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs
}

// AcceptConns moves connections that finished their handshake since the
// last tick into the live set and reports how many arrived.
func (s *Server) AcceptConns() int {
	accepted := s.listener.AcceptConns()
	for _, stream := range accepted {
		key := makeConnKey(stream.RemoteAddr())
		s.logger.Info().
			Uint64("conn", uint64(key)).
			Str("addr", stream.RemoteAddr().String()).
			Msg("accepted connection")

		s.conns = append(s.conns, &serverConn{
			key:           key,
			stream:        stream,
			needsBaseline: true,
		})
	}
	return len(accepted)
}

func (s *Server) dropConn(sc *serverConn, err error) {
	s.logger.Warn().
		Uint64("conn", uint64(sc.key)).
		Msgf("dropping connection: %v", err)

	_ = sc.stream.Close()
	sc.dead = true
}

func (s *Server) compact() {
	retained := s.conns[0:0]
	for _, sc := range s.conns {
		if !sc.dead {
			retained = append(retained, sc)
		}
	}
	s.conns = retained
}

// ReadMessages polls every live connection and hands each decoded message to
// onMessage in stream order. A transport or decode failure on one connection
// drops that connection only; the rest keep being processed.
func (s *Server) ReadMessages(onMessage func(from ConnKey, msg *protocol.Msg)) {
	for _, sc := range s.conns {
		if sc.dead {
			continue
		}

		err := sc.stream.PollMessages(func(msg *protocol.Msg) {
			s.logger.Debug().
				Uint64("conn", uint64(sc.key)).
				Uint64("kind", uint64(msg.Header.Kind)).
				Msg("recv")

			onMessage(sc.key, msg)
		})
		if err != nil {
			s.dropConn(sc, err)
		}
	}
	s.compact()
}

// Broadcast attempts a send on every live connection. A failure on one
// connection is recorded and drops that connection, but never suppresses the
// attempts on the remaining ones.
func (s *Server) Broadcast(msg *protocol.Msg) error {
	var errs error
	for _, sc := range s.conns {
		if sc.dead {
			continue
		}

		if err := sc.stream.Send(msg); err != nil {
			s.dropConn(sc, err)
			errs = multierror.Append(errs, err)
		}
	}
	s.compact()
	return errs
}

// Sync broadcasts one full snapshot: every entity in the store, in store
// order, no filtering.
func (s *Server) Sync(store EntityStates) error {
	states := []protocol.NodeState(nil)
	store.VisitStates(func(state protocol.NodeState) {
		states = append(states, state)
	})

	msg, err := protocol.NewSyncMsg(states)
	if err != nil {
		return fmt.Errorf("could not sync: %w", err)
	}

	// a full snapshot is a baseline all by itself
	for _, sc := range s.conns {
		sc.needsBaseline = false
	}

	return s.Broadcast(msg)
}

// SyncDelta broadcasts only the entities whose state changed since the last
// sync. An entity seen for the very first time is not included; its state
// just becomes the new baseline. Exactly one Sync message is broadcast per
// call even when nothing changed.
func (s *Server) SyncDelta(store EntityStates) error {
	needBaseline := false
	for _, sc := range s.conns {
		if !sc.dead && sc.needsBaseline {
			needBaseline = true
			break
		}
	}

	var full []protocol.NodeState
	var changed []protocol.NodeState
	var updates []protocol.NodeState
	store.VisitStates(func(cur protocol.NodeState) {
		if needBaseline {
			full = append(full, cur)
		}

		prev, seen := s.prevStates[cur.ID]
		if !seen || prev != cur {
			updates = append(updates, cur)
		}
		if seen && prev != cur {
			changed = append(changed, cur)
		}
	})

	// frame everything up front: a store too large for the wire must be
	// reported before any send happens or any cache entry moves
	deltaMsg, err := protocol.NewSyncMsg(changed)
	if err != nil {
		return fmt.Errorf("could not sync: %w", err)
	}
	var fullMsg *protocol.Msg
	if needBaseline {
		fullMsg, err = protocol.NewSyncMsg(full)
		if err != nil {
			return fmt.Errorf("could not sync: %w", err)
		}
	}

	var errs error
	if needBaseline {
		for _, sc := range s.conns {
			if sc.dead || !sc.needsBaseline {
				continue
			}

			if err := sc.stream.Send(fullMsg); err != nil {
				s.dropConn(sc, err)
				errs = multierror.Append(errs, err)
				continue
			}
			sc.needsBaseline = false
		}
	}

	if err := s.Broadcast(deltaMsg); err != nil {
		errs = multierror.Append(errs, err)
	}

	// commit the cache only now that the states went out; the cache must
	// never run ahead of what was actually transmitted
	for _, state := range updates {
		s.prevStates[state.ID] = state
	}

	return errs
}

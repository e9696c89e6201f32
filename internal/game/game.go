package game

import (
	"io"

	"github.com/dbezuglov/ticksync/internal/gameclient"
	"github.com/dbezuglov/ticksync/internal/gameserver"
	"github.com/dbezuglov/ticksync/internal/protocol"
	"github.com/dbezuglov/ticksync/internal/scene"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

// Game wires the pieces into a listen server: an optional authoritative
// Server, an optional Client, and the client-side replica graph that
// received Sync states are applied to. A listen server carries both halves;
// a remote player carries only the client half.
type Game struct {
	server  *gameserver.Server
	client  *gameclient.Client
	replica *scene.Graph

	// OnPlayerInput is invoked for every input the server receives.
	OnPlayerInput func(from gameserver.ConnKey, input protocol.PlayerInput)
	// OnLoadLevel is invoked when the server commands this client to load
	// a level; actually loading it is the host's business.
	OnLoadLevel func(path string)

	logger *log.Logger
}

func newGame(server *gameserver.Server, client *gameclient.Client, logger *log.Logger) *Game {
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	return &Game{
		server:  server,
		client:  client,
		replica: scene.NewGraph(),

		logger: logger,
	}
}

// NewListenServer starts a server on address and connects a local client to
// it, the process acting as host and participant at once.
func NewListenServer(network, address string, logger *log.Logger) (*Game, error) {
	server, err := gameserver.NewServer(network, address, logger)
	if err != nil {
		return nil, err
	}

	client, err := gameclient.Connect(network, server.Addr().String(), logger)
	if err != nil {
		_ = server.Close()
		return nil, err
	}

	return newGame(server, client, logger), nil
}

// NewRemoteClient joins somebody else's server.
func NewRemoteClient(network, address string, logger *log.Logger) (*Game, error) {
	client, err := gameclient.Connect(network, address, logger)
	if err != nil {
		return nil, err
	}

	return newGame(nil, client, logger), nil
}

func (g *Game) Server() *gameserver.Server {
	return g.server
}

func (g *Game) Client() *gameclient.Client {
	return g.client
}

// Replica is the client-side view of the replicated entities.
func (g *Game) Replica() *scene.Graph {
	return g.replica
}

// Update runs one tick of connection upkeep: accept newcomers, drain every
// server-side connection, then drain the local client. Sync itself stays
// application triggered.
func (g *Game) Update() {
	if g.server != nil {
		g.server.AcceptConns()
		g.server.ReadMessages(g.handleClientMsg)
	}
	if g.client != nil && g.client.Connected() {
		_ = g.client.ReadMessages(g.handleServerMsg)
	}
}

func (g *Game) handleClientMsg(from gameserver.ConnKey, msg *protocol.Msg) {
	switch body := msg.Body.(type) {
	case *protocol.PlayerInput:
		if g.OnPlayerInput != nil {
			g.OnPlayerInput(from, *body)
		}
	default:
		g.logger.Warn().
			Uint64("kind", uint64(msg.Header.Kind)).
			Msg("unexpected message from client")
	}
}

func (g *Game) handleServerMsg(msg *protocol.Msg) {
	switch body := msg.Body.(type) {
	case *protocol.LoadLevel:
		if g.OnLoadLevel != nil {
			g.OnLoadLevel(body.Path)
		}
	case *protocol.Sync:
		for _, state := range body.EntityStates {
			g.replica.Upsert(state)
		}
	default:
		g.logger.Warn().
			Uint64("kind", uint64(msg.Header.Kind)).
			Msg("unexpected message from server")
	}
}

// LoadLevel commands every connected client to load the named level.
func (g *Game) LoadLevel(path string) error {
	if g.server == nil {
		return nil
	}
	msg, err := protocol.NewLoadLevelMsg(path)
	if err != nil {
		return err
	}
	return g.server.Broadcast(msg)
}

// SyncFull replicates the whole store to every client.
func (g *Game) SyncFull(store gameserver.EntityStates) error {
	if g.server == nil {
		return nil
	}
	return g.server.Sync(store)
}

// SyncDelta replicates only what changed since the last sync.
func (g *Game) SyncDelta(store gameserver.EntityStates) error {
	if g.server == nil {
		return nil
	}
	return g.server.SyncDelta(store)
}

func (g *Game) Close() error {
	var errs error
	if g.client != nil {
		if err := g.client.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if g.server != nil {
		if err := g.server.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}

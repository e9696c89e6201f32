package scene

import (
	"math/rand"

	"github.com/cespare/xxhash/v2"
	"github.com/dbezuglov/ticksync/internal/byteorder"
	"github.com/dbezuglov/ticksync/internal/protocol"
)

// Handle addresses a node inside one process's Graph. It is an arena slot
// plus a generation counter and means nothing to any other process; anything
// that crosses the wire uses the node's InstanceID instead.
type Handle struct {
	index      uint32
	generation uint32
}

// NilHandle is the zero Handle; it never addresses a live node.
var NilHandle = Handle{}

type Node struct {
	instanceID protocol.EntityID

	Name     string
	Position protocol.Vector3
	Rotation protocol.Quaternion
}

// InstanceID is the node's stable cross-process identifier.
func (n *Node) InstanceID() protocol.EntityID {
	return n.instanceID
}

func (n *Node) State() protocol.NodeState {
	return protocol.NodeState{
		ID:       n.instanceID,
		Position: n.Position,
		Rotation: n.Rotation,
	}
}

type slot struct {
	generation uint32
	live       bool
	node       Node
}

// Graph is a minimal entity store: a generational arena of nodes plus an
// index from stable instance id back to the owning slot. Iteration order is
// arena slot order and stays stable while membership does not change.
type Graph struct {
	seed    uint64
	spawned uint64

	slots []slot
	free  []uint32
	byID  map[protocol.EntityID]Handle
}

func NewGraph() *Graph {
	return &Graph{
		seed: rand.Uint64(),
		byID: make(map[protocol.EntityID]Handle),
	}
}

// nextInstanceID derives a fresh stable id from the graph seed and spawn
// sequence. Hashing keeps ids from different runs disjoint without any
// coordination.
func (g *Graph) nextInstanceID() protocol.EntityID {
	g.spawned++
	buf := append(byteorder.Htonll(g.seed), byteorder.Htonll(g.spawned)...)
	return protocol.EntityID(xxhash.Sum64(buf))
}

func (g *Graph) Spawn(name string, position protocol.Vector3, rotation protocol.Quaternion) Handle {
	return g.spawnWithID(g.nextInstanceID(), name, position, rotation)
}

func (g *Graph) spawnWithID(
	id protocol.EntityID,
	name string,
	position protocol.Vector3,
	rotation protocol.Quaternion,
) Handle {
	node := Node{
		instanceID: id,
		Name:       name,
		Position:   position,
		Rotation:   rotation,
	}

	handle := Handle{}
	if n := len(g.free); n > 0 {
		index := g.free[n-1]
		g.free = g.free[0 : n-1]
		g.slots[index].live = true
		g.slots[index].node = node
		handle = Handle{index: index, generation: g.slots[index].generation}
	} else {
		g.slots = append(g.slots, slot{generation: 1, live: true, node: node})
		handle = Handle{index: uint32(len(g.slots) - 1), generation: 1}
	}

	g.byID[id] = handle
	return handle
}

func (g *Graph) TryGet(handle Handle) *Node {
	if int(handle.index) >= len(g.slots) {
		return nil
	}
	s := &g.slots[handle.index]
	if !s.live || s.generation != handle.generation {
		return nil
	}
	return &s.node
}

// Lookup resolves a stable instance id to the process-local node, the
// translation done at the protocol boundary.
func (g *Graph) Lookup(id protocol.EntityID) *Node {
	return g.TryGet(g.byID[id])
}

func (g *Graph) Remove(handle Handle) {
	node := g.TryGet(handle)
	if node == nil {
		return
	}

	delete(g.byID, node.instanceID)
	g.slots[handle.index].live = false
	// bump the generation so stale handles cannot resolve to a reused slot
	g.slots[handle.index].generation++
	g.free = append(g.free, handle.index)
}

func (g *Graph) SetTransform(handle Handle, position protocol.Vector3, rotation protocol.Quaternion) {
	if node := g.TryGet(handle); node != nil {
		node.Position = position
		node.Rotation = rotation
	}
}

func (g *Graph) Len() int {
	return len(g.byID)
}

// VisitStates walks every live node in arena order and hands its replication
// state to visit.
func (g *Graph) VisitStates(visit func(protocol.NodeState)) {
	for i := range g.slots {
		if g.slots[i].live {
			visit(g.slots[i].node.State())
		}
	}
}

// Upsert applies one replicated state: the node with that instance id gets
// the new transform, spawning it first if this process has never seen it.
// This is the client-side half of sync.
func (g *Graph) Upsert(state protocol.NodeState) Handle {
	if handle, ok := g.byID[state.ID]; ok {
		g.SetTransform(handle, state.Position, state.Rotation)
		return handle
	}
	return g.spawnWithID(state.ID, "", state.Position, state.Rotation)
}

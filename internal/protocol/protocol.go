package protocol

import (
	"bytes"
	"encoding"
	"errors"
	"fmt"

	"github.com/dbezuglov/ticksync/internal/byteorder"
	"github.com/dbezuglov/ticksync/internal/debug"
	"github.com/dbezuglov/ticksync/internal/ptr"
)

const (
	MsgHeaderSize = 4       // uint16 (2) + uint16 (2) = 4
	MsgMaxSize    = 32 << 10 // 32 * 1024 = 32768 bytes, caps a whole frame
)

// ErrUnknownMsg is returned when a header carries a kind no decoder exists
// for. An unknown kind means the peer speaks a different protocol revision;
// skipping it would desynchronize the stream, so the connection must go.
var ErrUnknownMsg = errors.New("unknown msg kind")

const (
	// NOTE: C stands for client, messages a client sends to the server
	_ uint16 = iota
	CMsgPlayerInput

	CMsgMax
)

const (
	// NOTE: S stands for server, messages the server sends to clients
	_ uint16 = iota + CMsgMax
	SMsgLoadLevel
	SMsgSync

	SMsgMax
)

type MsgHeader struct {
	Kind uint16
	Size uint16
}

var (
	_ encoding.BinaryMarshaler   = (*MsgHeader)(nil)
	_ encoding.BinaryUnmarshaler = (*MsgHeader)(nil)
)

func (h *MsgHeader) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.Write(byteorder.Htons(h.Kind))
	buf.Write(byteorder.Htons(h.Size))

	data := buf.Bytes()
	debug.Assert(len(data) == MsgHeaderSize)

	return data, nil
}

func (h *MsgHeader) UnmarshalBinary(data []byte) error {
	if len(data) != MsgHeaderSize {
		return fmt.Errorf("invalid header size (got %d; want %d)", len(data), MsgHeaderSize)
	}

	h.Kind = byteorder.Ntohs(data[0:2])
	h.Size = byteorder.Ntohs(data[2:4])

	return nil
}

type MsgBody interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Msg is one framed protocol message: a fixed-size header followed by
// Header.Size body bytes. The frame is self-delimiting, a receiver holding a
// header can always tell how many more bytes complete the message.
type Msg struct {
	Header *MsgHeader
	Body   MsgBody
}

var (
	_ encoding.BinaryMarshaler   = (*Msg)(nil)
	_ encoding.BinaryUnmarshaler = (*Msg)(nil)
)

func (m *Msg) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	headerBytes, err := m.Header.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("could not marshal header: %w", err)
	}
	buf.Write(headerBytes)

	if m.Body != nil {
		bodyBytes, err := m.Body.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("could not marshal body: %w", err)
		}
		buf.Write(bodyBytes)
	}

	data := buf.Bytes()
	debug.Assert(len(data) == MsgHeaderSize+int(m.Header.Size))

	return data, nil
}

func (m *Msg) UnmarshalBinary(data []byte) error {
	if len(data) < MsgHeaderSize {
		return fmt.Errorf("invalid msg size (got %d; want >= %d)", len(data), MsgHeaderSize)
	}

	header := &MsgHeader{}
	if err := header.UnmarshalBinary(data[0:MsgHeaderSize]); err != nil {
		return fmt.Errorf("could not unmarshal header: %w", err)
	}
	m.Header = header

	if len(data) != MsgHeaderSize+int(header.Size) {
		return fmt.Errorf(
			"msg size does not match header (got %d; want %d)",
			len(data), MsgHeaderSize+int(header.Size),
		)
	}

	body := (MsgBody)(nil)
	switch header.Kind {
	// client
	case CMsgPlayerInput:
		body = ptr.To(PlayerInput{})
	// server
	case SMsgLoadLevel:
		body = ptr.To(LoadLevel{})
	case SMsgSync:
		body = ptr.To(Sync{})
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMsg, header.Kind)
	}

	if err := body.UnmarshalBinary(data[MsgHeaderSize:]); err != nil {
		return fmt.Errorf("could not unmarshal body: %w", err)
	}
	m.Body = body

	return nil
}

// EntityID identifies a replicated entity across process boundaries. It is
// never a pool handle or slice index, those are only meaningful inside one
// process's entity store.
type EntityID uint64

type Vector3 struct {
	X, Y, Z float32
}

type Quaternion struct {
	X, Y, Z, W float32
}

const NodeStateSize = 36 // id (8) + position (12) + rotation (16)

// NodeState is the replication unit: the transform of one entity at one
// tick. Two NodeStates are equal iff all fields compare equal, which is what
// delta compression relies on.
type NodeState struct {
	ID       EntityID
	Position Vector3
	Rotation Quaternion
}

var (
	_ encoding.BinaryMarshaler   = (*NodeState)(nil)
	_ encoding.BinaryUnmarshaler = (*NodeState)(nil)
)

func (ns *NodeState) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.Write(byteorder.Htonll(uint64(ns.ID)))

	buf.Write(byteorder.Htonf(ns.Position.X))
	buf.Write(byteorder.Htonf(ns.Position.Y))
	buf.Write(byteorder.Htonf(ns.Position.Z))

	buf.Write(byteorder.Htonf(ns.Rotation.X))
	buf.Write(byteorder.Htonf(ns.Rotation.Y))
	buf.Write(byteorder.Htonf(ns.Rotation.Z))
	buf.Write(byteorder.Htonf(ns.Rotation.W))

	data := buf.Bytes()
	debug.Assert(len(data) == NodeStateSize)

	return data, nil
}

func (ns *NodeState) UnmarshalBinary(data []byte) error {
	if len(data) != NodeStateSize {
		return fmt.Errorf("invalid node state size (got %d; want %d)", len(data), NodeStateSize)
	}

	ns.ID = EntityID(byteorder.Ntohll(data[0:8]))

	ns.Position.X = byteorder.Ntohf(data[8:12])
	ns.Position.Y = byteorder.Ntohf(data[12:16])
	ns.Position.Z = byteorder.Ntohf(data[16:20])

	ns.Rotation.X = byteorder.Ntohf(data[20:24])
	ns.Rotation.Y = byteorder.Ntohf(data[24:28])
	ns.Rotation.Z = byteorder.Ntohf(data[28:32])
	ns.Rotation.W = byteorder.Ntohf(data[32:36])

	return nil
}

const (
	playerInputLeftBit  = 1 << 0
	playerInputRightBit = 1 << 1
)

// PlayerInput carries one tick worth of a player's movement intent.
type PlayerInput struct {
	Left  bool
	Right bool
}

var (
	_ encoding.BinaryMarshaler   = (*PlayerInput)(nil)
	_ encoding.BinaryUnmarshaler = (*PlayerInput)(nil)
)

func (pi *PlayerInput) MarshalBinary() ([]byte, error) {
	flags := byte(0)
	if pi.Left {
		flags |= playerInputLeftBit
	}
	if pi.Right {
		flags |= playerInputRightBit
	}
	return []byte{flags}, nil
}

func (pi *PlayerInput) UnmarshalBinary(data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("invalid player input size (got %d; want 1)", len(data))
	}

	pi.Left = data[0]&playerInputLeftBit != 0
	pi.Right = data[0]&playerInputRightBit != 0

	return nil
}

// LoadLevel commands a client to load the named level.
type LoadLevel struct {
	Path string
}

var (
	_ encoding.BinaryMarshaler   = (*LoadLevel)(nil)
	_ encoding.BinaryUnmarshaler = (*LoadLevel)(nil)
)

func (ll *LoadLevel) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.Write(byteorder.Htons(uint16(len(ll.Path))))
	buf.WriteString(ll.Path)

	return buf.Bytes(), nil
}

func (ll *LoadLevel) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("invalid load level size (got %d; want >= 2)", len(data))
	}

	pathLen := int(byteorder.Ntohs(data[0:2]))
	if len(data) != 2+pathLen {
		return fmt.Errorf("invalid load level path size (got %d; want %d)", len(data)-2, pathLen)
	}
	ll.Path = string(data[2 : 2+pathLen])

	return nil
}

// Sync carries entity states, either a full snapshot or only the entities
// that changed since the previous sync.
type Sync struct {
	EntityStates []NodeState
}

var (
	_ encoding.BinaryMarshaler   = (*Sync)(nil)
	_ encoding.BinaryUnmarshaler = (*Sync)(nil)
)

func (s *Sync) MarshalBinary() ([]byte, error) {
	buf := bytes.Buffer{}

	buf.Write(byteorder.Htons(uint16(len(s.EntityStates))))
	for i := range s.EntityStates {
		stateBytes, err := s.EntityStates[i].MarshalBinary()
		debug.Assert(err == nil)
		buf.Write(stateBytes)
	}

	return buf.Bytes(), nil
}

func (s *Sync) UnmarshalBinary(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("invalid sync size (got %d; want >= 2)", len(data))
	}

	count := int(byteorder.Ntohs(data[0:2]))
	if len(data) != 2+count*NodeStateSize {
		return fmt.Errorf(
			"invalid sync states size (got %d; want %d)",
			len(data)-2, count*NodeStateSize,
		)
	}

	if count == 0 {
		s.EntityStates = nil
		return nil
	}

	s.EntityStates = make([]NodeState, count)
	for i := 0; i < count; i++ {
		off := 2 + i*NodeStateSize
		if err := s.EntityStates[i].UnmarshalBinary(data[off : off+NodeStateSize]); err != nil {
			return fmt.Errorf("could not unmarshal state %d: %w", i, err)
		}
	}

	return nil
}

// MaxSyncStates is how many entity states fit into one Sync frame.
const MaxSyncStates = (MsgMaxSize - MsgHeaderSize - 2) / NodeStateSize

// bodySize avoids hand-maintained size constants drifting away from the
// marshalers: the constructors below measure the encoded body instead. A
// body that cannot fit one frame is reported, never a panic; nothing in
// this core may take the process down.
func bodySize(body MsgBody) (uint16, error) {
	bodyBytes, err := body.MarshalBinary()
	debug.Assert(err == nil)
	if len(bodyBytes) > MsgMaxSize-MsgHeaderSize {
		return 0, fmt.Errorf(
			"body too large (got %d; max %d)",
			len(bodyBytes), MsgMaxSize-MsgHeaderSize,
		)
	}
	return uint16(len(bodyBytes)), nil
}

func NewPlayerInputMsg(left, right bool) *Msg {
	body := &PlayerInput{Left: left, Right: right}
	size, err := bodySize(body)
	debug.Assert(err == nil) // one flag byte always fits
	return &Msg{
		Header: &MsgHeader{Kind: CMsgPlayerInput, Size: size},
		Body:   body,
	}
}

func NewLoadLevelMsg(path string) (*Msg, error) {
	body := &LoadLevel{Path: path}
	size, err := bodySize(body)
	if err != nil {
		return nil, fmt.Errorf("could not frame load level: %w", err)
	}
	return &Msg{
		Header: &MsgHeader{Kind: SMsgLoadLevel, Size: size},
		Body:   body,
	}, nil
}

func NewSyncMsg(entityStates []NodeState) (*Msg, error) {
	body := &Sync{EntityStates: entityStates}
	size, err := bodySize(body)
	if err != nil {
		return nil, fmt.Errorf("could not frame sync of %d states: %w", len(entityStates), err)
	}
	return &Msg{
		Header: &MsgHeader{Kind: SMsgSync, Size: size},
		Body:   body,
	}, nil
}

package protocol_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/dbezuglov/ticksync/internal/protocol"
	"github.com/matryer/is"
)

func TestMsgHeaderEncoding(t *testing.T) {
	is := is.New(t)

	originalHeader := protocol.MsgHeader{
		Kind: protocol.CMsgPlayerInput,
		Size: 42,
	}

	encodedHeaderBytes, err := originalHeader.MarshalBinary()
	is.NoErr(err)
	is.Equal(len(encodedHeaderBytes), protocol.MsgHeaderSize)

	decodedHeader := protocol.MsgHeader{}
	err = decodedHeader.UnmarshalBinary(encodedHeaderBytes)
	is.NoErr(err)
	is.Equal(originalHeader, decodedHeader)
}

func TestNodeStateEncoding(t *testing.T) {
	is := is.New(t)

	testCases := []protocol.NodeState{
		{},
		{
			ID:       1,
			Position: protocol.Vector3{X: 1, Y: -2, Z: 3.5},
			Rotation: protocol.Quaternion{W: 1},
		},
		{
			ID:       math.MaxUint64,
			Position: protocol.Vector3{X: math.MaxFloat32, Y: math.SmallestNonzeroFloat32, Z: -0.125},
			Rotation: protocol.Quaternion{X: 0.5, Y: -0.5, Z: 0.5, W: -0.5},
		},
	}

	for _, tc := range testCases {
		encoded, err := tc.MarshalBinary()
		is.NoErr(err)
		is.Equal(len(encoded), protocol.NodeStateSize)

		decoded := protocol.NodeState{}
		err = decoded.UnmarshalBinary(encoded)
		is.NoErr(err)
		is.Equal(tc, decoded)
	}
}

func roundTripMsg(t *testing.T, originalMsg *protocol.Msg) {
	t.Helper()
	is := is.New(t)

	encodedMsgBytes, err := originalMsg.MarshalBinary()
	is.NoErr(err)
	is.Equal(len(encodedMsgBytes), protocol.MsgHeaderSize+int(originalMsg.Header.Size))

	decodedMsg := &protocol.Msg{}
	err = decodedMsg.UnmarshalBinary(encodedMsgBytes)
	is.NoErr(err)
	is.Equal(originalMsg, decodedMsg)
}

func TestPlayerInputMsgEncoding(t *testing.T) {
	for _, tc := range []struct{ left, right bool }{
		{false, false},
		{true, false},
		{false, true},
		{true, true},
	} {
		roundTripMsg(t, protocol.NewPlayerInputMsg(tc.left, tc.right))
	}
}

func TestLoadLevelMsgEncoding(t *testing.T) {
	is := is.New(t)

	for _, path := range []string{"", "data/levels/arena.lvl", "тест/уровень.lvl"} {
		msg, err := protocol.NewLoadLevelMsg(path)
		is.NoErr(err)
		roundTripMsg(t, msg)
	}
}

func TestLoadLevelMsgTooLargeRejected(t *testing.T) {
	is := is.New(t)

	_, err := protocol.NewLoadLevelMsg(strings.Repeat("x", protocol.MsgMaxSize))
	is.True(err != nil)
}

func TestSyncMsgEncoding(t *testing.T) {
	is := is.New(t)

	emptyMsg, err := protocol.NewSyncMsg(nil)
	is.NoErr(err)
	roundTripMsg(t, emptyMsg)

	states := make([]protocol.NodeState, 7)
	for i := range states {
		states[i] = protocol.NodeState{
			ID:       protocol.EntityID(i + 1),
			Position: protocol.Vector3{X: float32(i), Y: float32(-i), Z: float32(i) / 2},
			Rotation: protocol.Quaternion{W: 1},
		}
	}
	msg, err := protocol.NewSyncMsg(states)
	is.NoErr(err)
	roundTripMsg(t, msg)
}

func TestSyncMsgStateCap(t *testing.T) {
	is := is.New(t)

	// the largest store that fits one frame round-trips fine
	fullMsg, err := protocol.NewSyncMsg(make([]protocol.NodeState, protocol.MaxSyncStates))
	is.NoErr(err)
	roundTripMsg(t, fullMsg)

	// one state more must come back as an error, not a crash
	_, err = protocol.NewSyncMsg(make([]protocol.NodeState, protocol.MaxSyncStates+1))
	is.True(err != nil)

	_, err = protocol.NewSyncMsg(make([]protocol.NodeState, 1000))
	is.True(err != nil)
}

func TestUnknownMsgKindRejected(t *testing.T) {
	is := is.New(t)

	header := protocol.MsgHeader{Kind: protocol.SMsgMax + 13, Size: 0}
	headerBytes, err := header.MarshalBinary()
	is.NoErr(err)

	msg := protocol.Msg{}
	err = msg.UnmarshalBinary(headerBytes)
	is.True(errors.Is(err, protocol.ErrUnknownMsg))
}

func TestMsgSizeMismatchRejected(t *testing.T) {
	is := is.New(t)

	originalMsg, err := protocol.NewLoadLevelMsg("data/levels/arena.lvl")
	is.NoErr(err)
	msgBytes, err := originalMsg.MarshalBinary()
	is.NoErr(err)

	// truncated payload must not decode
	msg := protocol.Msg{}
	err = msg.UnmarshalBinary(msgBytes[0 : len(msgBytes)-1])
	is.True(err != nil)
}

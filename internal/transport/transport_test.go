package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/dbezuglov/ticksync/internal/byteorder"
	"github.com/dbezuglov/ticksync/internal/protocol"
	"github.com/matryer/is"
)

func newLoadLevelMsg(t *testing.T, path string) *protocol.Msg {
	t.Helper()
	msg, err := protocol.NewLoadLevelMsg(path)
	is.New(t).NoErr(err)
	return msg
}

func newSyncMsg(t *testing.T, states []protocol.NodeState) *protocol.Msg {
	t.Helper()
	msg, err := protocol.NewSyncMsg(states)
	is.New(t).NoErr(err)
	return msg
}

func testMsgs(t *testing.T) []*protocol.Msg {
	return []*protocol.Msg{
		protocol.NewPlayerInputMsg(true, false),
		newLoadLevelMsg(t, "data/levels/arena.lvl"),
		newSyncMsg(t, []protocol.NodeState{
			{ID: 1, Position: protocol.Vector3{X: 1}, Rotation: protocol.Quaternion{W: 1}},
			{ID: 2, Position: protocol.Vector3{Y: -2}, Rotation: protocol.Quaternion{W: 1}},
		}),
		newSyncMsg(t, nil),
	}
}

func encodeMsgs(t *testing.T, msgs []*protocol.Msg) []byte {
	t.Helper()
	is := is.New(t)

	stream := []byte(nil)
	for _, msg := range msgs {
		msgBytes, err := msg.MarshalBinary()
		is.NoErr(err)
		stream = append(stream, msgBytes...)
	}
	return stream
}

func drain(t *testing.T, fb *frameBuffer) []*protocol.Msg {
	t.Helper()
	is := is.New(t)

	msgs := []*protocol.Msg(nil)
	for {
		msg, err := fb.next()
		is.NoErr(err)
		if msg == nil {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

func TestFrameBufferWholeBuffer(t *testing.T) {
	is := is.New(t)

	originalMsgs := testMsgs(t)

	fb := &frameBuffer{}
	fb.feed(encodeMsgs(t, originalMsgs))

	is.Equal(drain(t, fb), originalMsgs)
	is.Equal(len(fb.buf), 0)
}

func TestFrameBufferByteByByte(t *testing.T) {
	is := is.New(t)

	originalMsgs := testMsgs(t)
	stream := encodeMsgs(t, originalMsgs)

	// single-byte chunks must yield exactly the same message sequence as
	// the whole buffer at once, and never a partial message
	fb := &frameBuffer{}
	decodedMsgs := []*protocol.Msg(nil)
	for i := range stream {
		fb.feed(stream[i : i+1])
		decodedMsgs = append(decodedMsgs, drain(t, fb)...)
	}

	is.Equal(decodedMsgs, originalMsgs)
	is.Equal(len(fb.buf), 0)
}

func TestFrameBufferOversizedFrame(t *testing.T) {
	is := is.New(t)

	fb := &frameBuffer{}
	fb.feed(byteorder.Htons(protocol.CMsgPlayerInput))
	fb.feed(byteorder.Htons(uint16(protocol.MsgMaxSize)))

	_, err := fb.next()
	is.True(err != nil)
}

func dialPair(t *testing.T) (server *Conn, client *Conn) {
	t.Helper()
	is := is.New(t)

	listener, err := Listen("tcp4", "127.0.0.1:0")
	is.NoErr(err)
	t.Cleanup(func() { listener.Close() })

	// nobody has dialed yet, accept must come back empty and not block
	is.Equal(len(listener.AcceptConns()), 0)

	client, err = Dial("tcp4", listener.Addr().String())
	is.NoErr(err)
	t.Cleanup(func() { client.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for server == nil {
		is.True(time.Now().Before(deadline)) // accept timed out
		if conns := listener.AcceptConns(); len(conns) > 0 {
			is.Equal(len(conns), 1)
			server = conns[0]
		}
	}
	t.Cleanup(func() { server.Close() })

	return server, client
}

func pollOne(t *testing.T, conn *Conn) *protocol.Msg {
	t.Helper()
	is := is.New(t)

	deadline := time.Now().Add(2 * time.Second)
	for {
		is.True(time.Now().Before(deadline)) // poll timed out

		var got *protocol.Msg
		err := conn.PollMessages(func(msg *protocol.Msg) {
			is.True(got == nil) // expected a single message
			got = msg
		})
		is.NoErr(err)
		if got != nil {
			return got
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConnSendAndPoll(t *testing.T) {
	is := is.New(t)

	server, client := dialPair(t)

	originalMsg := protocol.NewPlayerInputMsg(true, true)
	is.NoErr(client.Send(originalMsg))
	is.Equal(pollOne(t, server), originalMsg)

	originalReply := newLoadLevelMsg(t, "data/levels/arena.lvl")
	is.NoErr(server.Send(originalReply))
	is.Equal(pollOne(t, client), originalReply)
}

func TestConnPollAfterPeerClosed(t *testing.T) {
	is := is.New(t)

	server, client := dialPair(t)

	// a message sent right before the close must still come through
	originalMsg := protocol.NewPlayerInputMsg(false, true)
	is.NoErr(client.Send(originalMsg))
	is.NoErr(client.Close())

	var msgs []*protocol.Msg
	var pollErr error
	deadline := time.Now().Add(2 * time.Second)
	for pollErr == nil {
		is.True(time.Now().Before(deadline)) // close never observed
		pollErr = server.PollMessages(func(msg *protocol.Msg) {
			msgs = append(msgs, msg)
		})
		time.Sleep(time.Millisecond)
	}

	is.True(errors.Is(pollErr, ErrClosed))
	is.Equal(msgs, []*protocol.Msg{originalMsg})
}

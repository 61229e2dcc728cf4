package websocket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rejectingAcceptorHandler struct{}

func (rejectingAcceptorHandler) OnStart(a *Acceptor)                     {}
func (rejectingAcceptorHandler) OnAccept(a *Acceptor, c *Connection) bool { return false }
func (rejectingAcceptorHandler) OnStop(a *Acceptor, err error)           {}

func TestAcceptorRejectsConnectionWhenOnAcceptDenies(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a := newAcceptor(l, false, NewParams(), &recordingHandler{}, rejectingAcceptorHandler{})
	go a.run()

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = client.Read(buf)
	assert.Error(t, err) // rejected socket is closed without a handshake reply

	a.Close("test teardown")
}

func TestAcceptorCloseStopsAcceptLoopAndIsIdempotent(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a := newAcceptor(l, false, NewParams(), &recordingHandler{}, acceptAllHandler{})
	done := make(chan struct{})
	go func() {
		a.run()
		close(done)
	}()

	a.Close("shutting down")
	a.Close("shutting down again") // must not panic or block

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("accept loop did not stop after Close")
	}
	assert.False(t, a.IsOpen())
	assert.False(t, a.IsInterrupted())
}

// §4.7: "on accept error while still open: record the error and transition
// to interrupted." Closing the listener out from under a running acceptor
// (rather than through Close/Interrupt) simulates an unexpected accept
// error; the accept loop must still leave isOpen=false, isInterrupted=true,
// and getError populated once it notices.
func TestAcceptorTransitionsToInterruptedOnUnexpectedAcceptError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	a := newAcceptor(l, false, NewParams(), &recordingHandler{}, acceptAllHandler{})
	done := make(chan struct{})
	go func() {
		a.run()
		close(done)
	}()

	require.NoError(t, l.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("accept loop did not stop after the listener closed")
	}

	assert.False(t, a.IsOpen())
	assert.True(t, a.IsInterrupted())
	assert.Error(t, a.GetError())
}

func TestAcceptorInterruptLeavesConnectionsAlone(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	serverHandler := &recordingHandler{}
	a := newAcceptor(l, false, NewParams(), serverHandler, acceptAllHandler{})
	go a.run()

	client, br, _ := dialRawAndHandshake(t, l.Addr().String())
	defer client.Close()

	a.Interrupt()
	assert.True(t, a.IsInterrupted())
	assert.False(t, a.IsOpen())

	// The accepted connection is untouched: a ping still gets a pong back.
	maskKey := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	frame := []byte{bitFin | opPing, bitMask | 0}
	frame = append(frame, maskKey[:]...)
	_, err = client.Write(frame)
	require.NoError(t, err)

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	resp, err := readFrame(br)
	require.NoError(t, err)
	assert.Equal(t, opPong, resp.opcode)
}

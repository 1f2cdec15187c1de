package framed

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type acceptEvent struct {
	conn   *Conn
	remote net.Addr
}

func startAcceptor(t *testing.T, opt ...AcceptorOption) (*Acceptor, chan acceptEvent) {
	t.Helper()

	accepted := make(chan acceptEvent, 16)
	acceptor, err := NewAcceptor(func(conn *Conn, remote net.Addr) {
		accepted <- acceptEvent{conn: conn, remote: remote}
	}, opt...)
	require.Nil(t, err)

	require.Nil(t, acceptor.Start(0))
	t.Cleanup(func() {
		if acceptor.IsRunning() {
			acceptor.Stop()
		}
	})

	return acceptor, accepted
}

func TestNewAcceptor_MissingCallback(t *testing.T) {
	_, err := NewAcceptor(nil)
	require.Equal(t, ErrInvalidOnAccepted, err)
}

func TestAcceptor_StartStop(t *testing.T) {
	require := require.New(t)

	acceptor, err := NewAcceptor(func(conn *Conn, remote net.Addr) {
		conn.Close()
	})
	require.Nil(err)

	require.False(acceptor.IsRunning())
	require.Nil(acceptor.Addr())

	require.Nil(acceptor.Start(0))
	require.True(acceptor.IsRunning())
	require.NotNil(acceptor.Addr())

	// Starting a running acceptor is a caller error.
	require.Equal(ErrAlreadyRunning, acceptor.Start(0))

	require.Nil(acceptor.Stop())
	require.False(acceptor.IsRunning())

	// Stopping a stopped acceptor is a caller error too.
	require.Equal(ErrNotRunning, acceptor.Stop())

	// Start/Stop cycles are allowed.
	require.Nil(acceptor.Start(0))
	require.True(acceptor.IsRunning())
	require.Nil(acceptor.Stop())
}

func TestAcceptor_AcceptsAndReceivesImmediately(t *testing.T) {
	require := require.New(t)

	received := make(chan []byte, 1)
	acceptor, accepted := startAcceptor(t, ConnOptions(
		OnMessageOption(func(payload []byte) {
			received <- payload
		}),
	))

	clientConn, err := net.Dial("tcp", acceptor.Addr().String())
	require.Nil(err)
	defer clientConn.Close()

	// Send before the server application does anything with the new
	// connection: the receive loop must already be live.
	_, err = clientConn.Write(EncodeFrame([]byte("early bird")))
	require.Nil(err)

	var event acceptEvent
	select {
	case event = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for accepted connection")
	}
	defer event.conn.Close()

	require.True(event.conn.IsConnected())
	require.NotNil(event.remote)
	require.Equal(clientConn.LocalAddr().String(), event.remote.String())

	select {
	case payload := <-received:
		require.Equal([]byte("early bird"), payload)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	// Exactly one accept event for one client.
	select {
	case <-accepted:
		t.Fatal("unexpected extra accept event")
	case <-time.After(100 * time.Millisecond):
	}

	// And the accepted connection can answer.
	require.Nil(event.conn.Send([]byte("welcome")))
	clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := ReadFrame(clientConn, defaultMaxMessageLength)
	require.Nil(err)
	require.Equal([]byte("welcome"), payload)
}

func TestAcceptor_MultipleClients(t *testing.T) {
	require := require.New(t)

	received := make(chan []byte, 16)
	acceptor, accepted := startAcceptor(t, ConnOptions(
		OnMessageOption(func(payload []byte) {
			received <- payload
		}),
	))

	const clients = 5
	for i := 0; i < clients; i++ {
		clientConn, err := net.Dial("tcp", acceptor.Addr().String())
		require.Nil(err)
		defer clientConn.Close()

		_, err = clientConn.Write(EncodeFrame([]byte(fmt.Sprintf("client %d", i))))
		require.Nil(err)
	}

	for i := 0; i < clients; i++ {
		select {
		case event := <-accepted:
			defer event.conn.Close()
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for accept %d", i)
		}
	}

	payloads := map[string]bool{}
	for i := 0; i < clients; i++ {
		select {
		case payload := <-received:
			payloads[string(payload)] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}
	require.Len(payloads, clients)
}

func TestAcceptor_RejectsWhenConnOptionsInvalid(t *testing.T) {
	require := require.New(t)

	// No OnMessageOption in the connection options: every accepted socket
	// is rejected and closed.
	acceptor, accepted := startAcceptor(t)

	clientConn, err := net.Dial("tcp", acceptor.Addr().String())
	require.Nil(err)
	defer clientConn.Close()

	select {
	case <-accepted:
		t.Fatal("accept event for a rejected connection")
	case <-time.After(200 * time.Millisecond):
	}

	// The client observes the close.
	clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	_, err = clientConn.Read(buf)
	require.NotNil(err)
}

func TestAcceptor_RestartCycles(t *testing.T) {
	require := require.New(t)

	accepted := make(chan struct{}, 1)
	acceptor, err := NewAcceptor(func(conn *Conn, remote net.Addr) {
		conn.Close()
		select {
		case accepted <- struct{}{}:
		default:
		}
	}, ConnOptions(
		OnMessageOption(func([]byte) {}),
	))
	require.Nil(err)

	for i := 0; i < 50; i++ {
		require.Nil(acceptor.Start(0), "cycle %d", i)
		require.Nil(acceptor.Stop(), "cycle %d", i)
		require.Nil(acceptor.Start(0), "cycle %d", i)

		// Let the previous run's accept loop wake on its closed listener;
		// it must not disturb the new run's state.
		time.Sleep(2 * time.Millisecond)
		require.True(acceptor.IsRunning(), "cycle %d: acceptor reports not running after restart", i)
		require.NotNil(acceptor.Addr(), "cycle %d", i)
		require.Nil(acceptor.Stop(), "cycle %d", i)
	}

	// A restarted acceptor still accepts.
	require.Nil(acceptor.Start(0))
	defer acceptor.Stop()

	clientConn, err := net.Dial("tcp", acceptor.Addr().String())
	require.Nil(err)
	defer clientConn.Close()

	select {
	case <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for accept after restart")
	}
}

func TestAcceptor_StopUnblocksClients(t *testing.T) {
	require := require.New(t)

	acceptor, _ := startAcceptor(t, ConnOptions(
		OnMessageOption(func([]byte) {}),
	))

	addr := acceptor.Addr().String()
	require.Nil(acceptor.Stop())

	// Give the accept loop a moment to observe the closed listener.
	time.Sleep(50 * time.Millisecond)

	_, err := net.DialTimeout("tcp", addr, time.Second)
	require.NotNil(err)
}

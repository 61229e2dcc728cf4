package websocket

import (
	"net"
	"sync"
	"time"
)

// AcceptorHandler receives the lifecycle events of one Acceptor (§6).
type AcceptorHandler interface {
	OnStart(a *Acceptor)
	// OnAccept is consulted for every newly accepted socket after it is
	// wrapped in a Connection but before that Connection is spawned;
	// returning false rejects the connection and closes the socket without
	// starting a handshake.
	OnAccept(a *Acceptor, c *Connection) bool
	OnStop(a *Acceptor, err error)
}

// Acceptor owns a listening socket and spawns one Connection per accepted
// client (§4.7).
type Acceptor struct {
	id       string
	listener net.Listener
	secure   bool
	params   Params
	handler  Handler
	acceptor AcceptorHandler

	registry *connectionRegistry

	closeCh     chan struct{}
	interrupted bool
	err         error
	mu          sync.Mutex
}

func newAcceptor(l net.Listener, secure bool, params Params, handler Handler, acceptorHandler AcceptorHandler) *Acceptor {
	return &Acceptor{
		id:       newID(),
		listener: l,
		secure:   secure,
		params:   params,
		handler:  handler,
		acceptor: acceptorHandler,
		registry: newConnectionRegistry(),
		closeCh:  make(chan struct{}),
	}
}

// ID returns this acceptor's generated identifier.
func (a *Acceptor) ID() string { return a.id }

// GetPort returns the bound TCP port.
func (a *Acceptor) GetPort() int {
	if tcpAddr, ok := a.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// GetBindAddress returns the listener's bound address string.
func (a *Acceptor) GetBindAddress() string { return a.listener.Addr().String() }

// ListConnections returns a snapshot of live connections accepted by this
// Acceptor.
func (a *Acceptor) ListConnections() []*Connection { return a.registry.snapshot() }

// IsOpen reports whether the listening socket is still accepting.
func (a *Acceptor) IsOpen() bool {
	select {
	case <-a.closeCh:
		return false
	default:
		return true
	}
}

// IsInterrupted reports whether Interrupt or an unexpected accept error
// (rather than Close) ended the accept loop.
func (a *Acceptor) IsInterrupted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interrupted
}

// GetError returns the error, if any, that ended the accept loop.
func (a *Acceptor) GetError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// run is the accept loop of §4.7: onStart, then repeatedly accept, wrap,
// consult onAccept, and spawn, until the listener is closed.
func (a *Acceptor) run() {
	if a.acceptor != nil {
		a.acceptor.OnStart(a)
	}

	var loopErr error
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if a.markStopped(err) {
				loopErr = err
				a.mu.Lock()
				a.interrupted = true
				a.mu.Unlock()
				Log.Error().
					Str("local", a.GetBindAddress()).
					Err(err).
					Msg("accept loop error")
			}
			break
		}

		host, port := splitHostPort(conn.RemoteAddr())
		c := newConnection(conn, a.params, a.handler, false, a.secure, host, port)
		c.registry = a.registry
		_ = conn.SetReadDeadline(time.Now().Add(a.params.HandshakeSoTimeout))

		if a.acceptor != nil && !a.acceptor.OnAccept(a, c) {
			_ = conn.Close()
			continue
		}

		offered := a.params.SubProtocols
		go c.runServer(offered)
	}

	if a.acceptor != nil {
		a.acceptor.OnStop(a, loopErr)
	}
}

// Close forces the listening socket shut immediately and propagates a
// GOING_AWAY close to every live connection accepted by this Acceptor.
func (a *Acceptor) Close(reason string) {
	if !a.markStopped(nil) {
		return
	}
	_ = a.listener.Close()
	for _, c := range a.registry.snapshot() {
		c.Close(int(GoingAway), reason)
	}
}

// Interrupt closes only the listening socket, leaving existing connections
// undisturbed.
func (a *Acceptor) Interrupt() {
	if !a.markStopped(nil) {
		return
	}
	a.mu.Lock()
	a.interrupted = true
	a.mu.Unlock()
	_ = a.listener.Close()
}

// markStopped transitions the acceptor out of the open state exactly once,
// recording err (nil for a deliberate Close). It reports whether this call
// performed the transition, so callers racing Close/Interrupt/an accept
// error against each other only act on it once (§4.7).
func (a *Acceptor) markStopped(err error) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.closeCh:
		return false
	default:
		a.err = err
		close(a.closeCh)
		return true
	}
}

func splitHostPort(addr net.Addr) (string, int) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String(), 0
	}
	return tcpAddr.IP.String(), tcpAddr.Port
}

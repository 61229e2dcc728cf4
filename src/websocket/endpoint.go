package websocket

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
)

// Endpoint is the facade applications use to create client connections and
// server acceptors, and to tear all of them down together (§4.8).
type Endpoint struct {
	bindAddress string

	mu        sync.Mutex
	closed    bool
	conns     *connectionRegistry
	acceptors map[*Acceptor]struct{}
}

// NewEndpoint returns an Endpoint. bindAddress, if non-empty, is used as
// the local interface address for both outbound dials and inbound listens.
func NewEndpoint(bindAddress string) *Endpoint {
	return &Endpoint{
		bindAddress: bindAddress,
		conns:       newConnectionRegistry(),
		acceptors:   make(map[*Acceptor]struct{}),
	}
}

// Connect resolves uri's scheme (ws→plain, wss→TLS, default ports 80/443),
// dials the host, performs the opening handshake, and on success returns a
// live, registered Connection (§4.8).
func (e *Endpoint) Connect(uri string, handler Handler, params Params, trust ClientTrust) (*Connection, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: endpoint closed", ErrAcceptorClosed)
	}
	e.mu.Unlock()

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: bad URI %q: %v", ErrHandshakeFailed, uri, err)
	}
	secure := false
	switch u.Scheme {
	case "ws":
	case "wss":
		secure = true
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrHandshakeFailed, u.Scheme)
	}

	addr, err := hostPort(u)
	if err != nil {
		return nil, err
	}

	var dialer net.Dialer
	dialer.Timeout = params.HandshakeSoTimeout
	if e.bindAddress != "" {
		localAddr, err := net.ResolveTCPAddr("tcp", e.bindAddress+":0")
		if err != nil {
			return nil, fmt.Errorf("%w: bad bind address %q: %v", ErrHandshakeFailed, e.bindAddress, err)
		}
		dialer.LocalAddr = localAddr
	}

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrAbnormalClosure, addr, err)
	}

	if secure {
		var tlsConf *tls.Config
		if trust != nil {
			tlsConf, err = trust.TLSConfig()
			if err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("%w: TLS config: %v", ErrHandshakeFailed, err)
			}
		} else {
			tlsConf = &tls.Config{}
		}
		if tlsConf.ServerName == "" {
			tlsConf = tlsConf.Clone()
			tlsConf.ServerName = u.Hostname()
		}
		tlsConn := tls.Client(conn, tlsConf)
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: TLS handshake: %v", ErrHandshakeFailed, err)
		}
		conn = tlsConn
	}

	host, port := splitHostPort(conn.RemoteAddr())
	c := newConnection(conn, params, handler, true, secure, host, port)
	c.registry = e.conns

	if err := c.runClient(u, params.SubProtocols); err != nil {
		return nil, err
	}
	return c, nil
}

// Listen binds a server socket on port, wraps it in an Acceptor, and
// spawns its accept loop (§4.8).
func (e *Endpoint) Listen(port int, handler Handler, params Params, acceptorHandler AcceptorHandler, identity ServerIdentity) (*Acceptor, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: endpoint closed", ErrAcceptorClosed)
	}
	e.mu.Unlock()

	addr := net.JoinHostPort(e.bindAddress, strconv.Itoa(port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	secure := identity != nil
	if secure {
		tlsConf, err := identity.TLSConfig()
		if err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("%w: TLS config: %v", ErrHandshakeFailed, err)
		}
		l = tls.NewListener(l, tlsConf)
	}

	a := newAcceptor(l, secure, params, handler, acceptorHandler)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = l.Close()
		return nil, fmt.Errorf("%w: endpoint closed", ErrAcceptorClosed)
	}
	e.acceptors[a] = struct{}{}
	e.mu.Unlock()

	go func() {
		a.run()
		e.mu.Lock()
		delete(e.acceptors, a)
		e.mu.Unlock()
	}()

	return a, nil
}

// CloseAll closes every Acceptor then every Connection owned by this
// Endpoint. Safe to call concurrently with new connections arriving;
// anything accepted after this call returns is closed immediately.
func (e *Endpoint) CloseAll(reason string) {
	e.mu.Lock()
	e.closed = true
	acceptors := make([]*Acceptor, 0, len(e.acceptors))
	for a := range e.acceptors {
		acceptors = append(acceptors, a)
	}
	e.mu.Unlock()

	for _, a := range acceptors {
		a.Close(reason)
	}
	for _, c := range e.conns.snapshot() {
		c.Close(int(GoingAway), reason)
	}
}

// ListConnections returns a snapshot of every Connection currently owned
// by this Endpoint, across all of its Acceptors and direct dials.
func (e *Endpoint) ListConnections() []*Connection {
	out := e.conns.snapshot()
	e.mu.Lock()
	defer e.mu.Unlock()
	for a := range e.acceptors {
		out = append(out, a.ListConnections()...)
	}
	return out
}

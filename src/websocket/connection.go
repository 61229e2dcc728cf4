package websocket

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Handler receives the lifecycle events of one Connection (§6). Handlers
// must be re-entrant across connections but are invoked strictly
// sequentially for a single connection, from its reader loop.
type Handler interface {
	OnOpen(c *Connection, subProtocol string)
	OnMessage(c *Connection, r io.ReadCloser, isText bool)
	OnError(c *Connection, err error)
	OnClose(c *Connection, status Status)
}

// Connection is one WebSocket endpoint's half of a connected socket: a
// reader loop, a synchronized writer, and the state machine described in
// §4.4/§4.6. Create one through Endpoint.Connect, Endpoint.Listen, or
// directly via newConnection for tests.
type Connection struct {
	id         string
	conn       net.Conn
	rw         *bufio.ReadWriter
	params     Params
	clientSide bool
	secure     bool
	peerHost   string
	port       int

	statusVal atomic.Pointer[Status]

	mu          sync.Mutex // guards everything below
	opData      byte
	pingOutstanding bool
	subProtocol string
	path        string
	query       string
	handler     Handler
	closeTimer  *time.Timer

	writeMu sync.Mutex // serializes frame emission (§4.6)

	registry *connectionRegistry
}

func newConnection(conn net.Conn, params Params, handler Handler, clientSide, secure bool, peerHost string, port int) *Connection {
	c := &Connection{
		id:         newID(),
		conn:       conn,
		rw:         bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		params:     params,
		clientSide: clientSide,
		secure:     secure,
		peerHost:   peerHost,
		port:       port,
		handler:    handler,
	}
	c.setStatus(Status{Code: NotYetOpen})
	return c
}

func (c *Connection) getStatus() Status {
	if s := c.statusVal.Load(); s != nil {
		return *s
	}
	return Status{Code: NotYetOpen}
}

func (c *Connection) setStatus(s Status) {
	c.statusVal.Store(&s)
}

// ID returns this connection's generated identifier.
func (c *Connection) ID() string { return c.id }

// IsOpen reports whether the handshake has completed and neither side has
// initiated a close.
func (c *Connection) IsOpen() bool { return c.getStatus().Code == isOpenSentinel }

// IsSecure reports whether the underlying socket is TLS.
func (c *Connection) IsSecure() bool { return c.secure }

// IsClientSide reports whether this connection dialed out (true) or was
// accepted (false).
func (c *Connection) IsClientSide() bool { return c.clientSide }

// GetStatus returns a point-in-time snapshot of the closing state. It does
// not block on the write lock, so it may lag a concurrent close by one
// step (§5).
func (c *Connection) GetStatus() Status { return c.getStatus() }

// GetSubProtocol returns the negotiated subprotocol, or "" if none.
func (c *Connection) GetSubProtocol() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subProtocol
}

// GetPeerHost returns the remote host this connection is talking to.
func (c *Connection) GetPeerHost() string { return c.peerHost }

// GetPort returns the remote port.
func (c *Connection) GetPort() int { return c.port }

// GetPath returns the request path negotiated during the handshake.
func (c *Connection) GetPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// GetQuery returns the request query string negotiated during the handshake.
func (c *Connection) GetQuery() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query
}

// ListConnections lists the connections sharing this one's registry (the
// same Endpoint or Acceptor), this connection included.
func (c *Connection) ListConnections() []*Connection {
	if c.registry == nil {
		return nil
	}
	return c.registry.snapshot()
}

// SetHandler swaps the handler in place. If the connection is currently
// open, the outgoing handler receives a synthetic OnClose and the incoming
// one a synthetic OnOpen, without affecting the underlying socket (§9).
func (c *Connection) SetHandler(h Handler) {
	c.mu.Lock()
	old := c.handler
	sub := c.subProtocol
	c.handler = h
	c.mu.Unlock()

	if !c.IsOpen() {
		return
	}
	st := c.getStatus()
	if old != nil {
		old.OnClose(c, st)
	}
	if h != nil {
		h.OnOpen(c, sub)
	}
}

func (c *Connection) currentHandler() Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// runServer performs the server-accepting handshake then, on success,
// enters the reader loop. Intended to run on its own goroutine, spawned by
// an Acceptor once onAccept has approved the socket.
func (c *Connection) runServer(offered []string) {
	if c.registry != nil {
		c.registry.add(c)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.params.HandshakeSoTimeout))
	result, err := acceptHandshake(c.rw, offered)
	if err != nil {
		c.setStatus(Status{Code: ProtocolError, WasClean: false, Err: err})
		c.finish()
		return
	}
	c.completeOpen(result)
	c.readLoop()
}

// runClient performs the client-initiating handshake synchronously and, on
// success, spawns the reader loop on a new goroutine before returning nil.
func (c *Connection) runClient(u *url.URL, offered []string) error {
	if c.registry != nil {
		c.registry.add(c)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.params.HandshakeSoTimeout))
	result, err := dialHandshake(c.rw, u, offered)
	if err != nil {
		c.setStatus(Status{Code: ProtocolError, WasClean: false, Err: err})
		c.finish()
		return err
	}
	c.completeOpen(result)
	go c.readLoop()
	return nil
}

func (c *Connection) completeOpen(result handshakeResult) {
	c.mu.Lock()
	c.subProtocol = result.subProtocol
	c.path = result.path
	c.query = result.query
	handler := c.handler
	c.mu.Unlock()

	c.setStatus(Status{Code: isOpenSentinel})
	if handler != nil {
		handler.OnOpen(c, result.subProtocol)
	}
}

// readLoop implements §4.4: dispatch inbound frames until the connection
// closes, cleanly or otherwise, then deliver onError/onClose exactly once.
func (c *Connection) readLoop() {
	defer c.finish()
	// A panicking handler ends the loop with INTERNAL_ERROR instead of
	// crashing the process (§7).
	defer func() {
		if r := recover(); r != nil {
			c.failAndClose(InternalServerError, 0, fmt.Errorf("websocket: panic in reader loop: %v", r))
		}
	}()

	for {
		f, err := c.readOneFrame()
		if err != nil {
			if isTimeoutErr(err) {
				if c.onIdleTimeout() {
					continue
				}
				c.failAndClose(AbnormalClosure, 0, fmt.Errorf("%w: read deadline exceeded", ErrAbnormalClosure))
				return
			}
			code, wrapped := classifyLoopErr(err)
			c.failAndClose(code, 0, wrapped)
			return
		}

		switch {
		case isControlOpcode(f.opcode):
			done, err := c.handleControlFrame(f)
			if err != nil {
				code, wrapped := classifyLoopErr(err)
				c.failAndClose(code, f.opcode, wrapped)
				return
			}
			if done {
				return
			}
		case f.opcode == opText, f.opcode == opBinary:
			if err := c.deliverMessage(f); err != nil {
				if !errors.Is(err, ErrMessageTooBig) {
					code, wrapped := classifyLoopErr(err)
					c.failAndClose(code, f.opcode, wrapped)
				}
				return
			}
		default:
			c.failAndClose(ProtocolError, f.opcode, fmt.Errorf("%w: continuation without preceding data frame", ErrProtocolViolation))
			return
		}
	}
}

func (c *Connection) finish() {
	c.stopCloseTimer()
	_ = c.conn.Close()

	st := c.getStatus()
	handler := c.currentHandler()
	if handler != nil {
		if st.Err != nil {
			handler.OnError(c, st.Err)
		}
		handler.OnClose(c, st)
	}
	if c.registry != nil {
		c.registry.remove(c)
	}
}

// readOneFrame reads a single frame and enforces the mask-direction and
// reserved-bit invariants that depend on connection role (I2, §4.4 step 1).
func (c *Connection) readOneFrame() (*frame, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.params.ConnectionSoTimeout))
	f, err := readFrame(c.rw.Reader)
	if err != nil {
		return nil, err
	}
	if f.reserved() {
		return nil, fmt.Errorf("%w: reserved bit set", ErrUnsupportedExtension)
	}
	if c.clientSide && f.masked {
		return nil, fmt.Errorf("%w: frame from server must not be masked", ErrProtocolViolation)
	}
	if !c.clientSide && !f.masked {
		return nil, fmt.Errorf("%w: frame from client must be masked", ErrProtocolViolation)
	}
	return f, nil
}

func isTimeoutErr(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classifyLoopErr maps a terminating error to the close code it should be
// reported with (§7).
func classifyLoopErr(err error) (Code, error) {
	switch {
	case errors.Is(err, ErrUnsupportedExtension):
		return MandatoryExtension, err
	case errors.Is(err, ErrProtocolViolation):
		return ProtocolError, err
	case errors.Is(err, ErrAbnormalClosure):
		return AbnormalClosure, err
	default:
		return AbnormalClosure, fmt.Errorf("%w: %v", ErrAbnormalClosure, err)
	}
}

// onIdleTimeout implements §4.4's read-timeout branch: emit a keepalive
// PING if the connection is open, none is outstanding and pings are
// enabled, else report false so the caller aborts the connection.
func (c *Connection) onIdleTimeout() bool {
	if !c.params.PingEnabled || !c.IsOpen() {
		return false
	}
	c.mu.Lock()
	if c.pingOutstanding {
		c.mu.Unlock()
		return false
	}
	c.pingOutstanding = true
	c.mu.Unlock()

	if err := c.sendFrame(true, opPing, []byte(pingProbePayload)); err != nil {
		return false
	}
	return true
}

// handleControlFrame processes one control frame and reports whether the
// reader loop should stop (true only for a completed close handshake).
func (c *Connection) handleControlFrame(f *frame) (bool, error) {
	switch f.opcode {
	case opPing:
		if c.IsOpen() {
			if err := c.sendFrame(true, opPong, f.payload); err != nil {
				return false, err
			}
		}
		return false, nil
	case opPong:
		c.mu.Lock()
		outstanding := c.pingOutstanding
		c.mu.Unlock()
		if !outstanding || string(f.payload) != pingProbePayload {
			return false, fmt.Errorf("%w: unsolicited or mismatched pong", ErrProtocolViolation)
		}
		c.mu.Lock()
		c.pingOutstanding = false
		c.mu.Unlock()
		return false, nil
	case opClose:
		return c.handlePeerClose(f)
	default:
		return false, fmt.Errorf("%w: unknown control opcode %#x", ErrProtocolViolation, f.opcode)
	}
}

func (c *Connection) handlePeerClose(f *frame) (bool, error) {
	if c.getStatus().Code != isOpenSentinel {
		// Local side already initiated a close; this is the peer's echo.
		st := c.getStatus()
		st.WasClean = true
		c.setStatus(st)
		c.stopCloseTimer()
		return true, nil
	}

	code, reason := decodeClosePayload(f.payload)
	c.setStatus(Status{Code: code, Reason: reason, Remotely: true, WasClean: true})
	_ = c.sendFrame(true, opClose, f.payload)
	return true, nil
}

func decodeClosePayload(payload []byte) (Code, string) {
	if len(payload) < 2 {
		return NoStatusReceived, ""
	}
	code := Code(binary.BigEndian.Uint16(payload[:2]))
	return code, string(payload[2:])
}

// checkMessageTooBig enforces maxMessageLength across a reassembling
// message. If the limit is exceeded it drains the remaining frames of the
// message (discarding their payload) before closing with MESSAGE_TOO_BIG,
// per §4.4 step 3.
func (c *Connection) checkMessageTooBig(msgLen uint64, fin bool) error {
	if msgLen <= uint64(c.params.MaxMessageLength) {
		return nil
	}
	for !fin {
		f, err := c.readOneFrame()
		if err != nil {
			return err
		}
		if isControlOpcode(f.opcode) {
			if _, err := c.handleControlFrame(f); err != nil {
				return err
			}
			continue
		}
		if f.opcode != opContinuation {
			return fmt.Errorf("%w: data frame interleaved mid-message", ErrProtocolViolation)
		}
		fin = f.fin
	}
	c.mu.Lock()
	opcode := c.opData
	c.mu.Unlock()
	c.failAndClose(MessageTooBig, opcode, ErrMessageTooBig)
	return ErrMessageTooBig
}

// nextContinuationFrame is the messageReader's frame source for the
// second and subsequent frames of a message: it transparently services
// control frames in between and returns only true CONTINUATION frames.
func (c *Connection) nextContinuationFrame(msgLen *uint64) (*frame, error) {
	f, err := c.readOneFrame()
	if err != nil {
		return nil, err
	}
	if isControlOpcode(f.opcode) {
		done, err := c.handleControlFrame(f)
		if err != nil {
			return nil, err
		}
		if done {
			return nil, io.EOF
		}
		return c.nextContinuationFrame(msgLen)
	}
	if f.opcode != opContinuation {
		return nil, fmt.Errorf("%w: data frame interleaved mid-message", ErrProtocolViolation)
	}
	*msgLen += uint64(len(f.payload))
	if err := c.checkMessageTooBig(*msgLen, f.fin); err != nil {
		return nil, err
	}
	return f, nil
}

// deliverMessage hands a reassembled (possibly still-arriving) message to
// the handler as a streaming reader, then ensures it is fully drained
// before the loop resumes (§4.4, §4.5).
func (c *Connection) deliverMessage(first *frame) error {
	c.mu.Lock()
	c.opData = first.opcode
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.opData = 0
		c.mu.Unlock()
	}()

	msgLen := uint64(len(first.payload))
	if err := c.checkMessageTooBig(msgLen, first.fin); err != nil {
		return err
	}

	mr := newMessageReader(first, func() (*frame, error) { return c.nextContinuationFrame(&msgLen) })
	if handler := c.currentHandler(); handler != nil {
		handler.OnMessage(c, mr, first.opcode == opText)
	}
	if err := mr.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Connection) stopCloseTimer() {
	c.mu.Lock()
	t := c.closeTimer
	c.closeTimer = nil
	c.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// sendFrame writes one frame, serialized against every other writer on
// this connection (§4.6). A write or flush failure transitions an open
// connection to ABNORMAL_CLOSURE; a status already closed by either side
// keeps its code (I5). The error is returned to the caller only: it is not
// stored in Status.Err, so it is not reported again through OnError.
func (c *Connection) sendFrame(fin bool, opcode byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	masked := c.clientSide
	err := writeFrame(c.rw.Writer, c.params.maskSource, fin, opcode, masked, payload)
	if err == nil {
		err = c.rw.Writer.Flush()
	}
	if err != nil {
		if c.getStatus().Code == isOpenSentinel {
			c.setStatus(Status{Code: AbnormalClosure, WasClean: false})
		}
		return err
	}
	return nil
}

// failAndClose records why the reader loop is terminating and makes a
// best-effort attempt to send a matching CLOSE frame; the socket itself is
// closed by the reader loop's deferred cleanup. If the connection already
// left isOpenSentinel — a local Close or the peer's close already recorded
// a terminal status — that status's Code is left untouched (I5: the close
// code is monotonic, write-once); only WasClean/Err reflect that things
// didn't finish cleanly.
func (c *Connection) failAndClose(code Code, opcode byte, err error) {
	st := c.getStatus()
	if st.Code != isOpenSentinel {
		st.WasClean = false
		if st.Err == nil {
			st.Err = err
		}
		c.setStatus(st)
		c.logAbnormal(st.Code, opcode, err)
		return
	}
	c.setStatus(Status{Code: code, WasClean: false, Err: err})
	_ = c.sendFrame(true, opClose, closeWirePayload(code, ""))
	c.logAbnormal(code, opcode, err)
}

// logAbnormal emits the structured diagnostic record for a protocol
// violation, a forced close, or any other abnormal termination (§2.5).
func (c *Connection) logAbnormal(code Code, opcode byte, err error) {
	Log.Warn().
		Str("remote", c.peerHost).
		Int("port", c.port).
		Str("local", c.localAddr()).
		Str("side", c.sideLabel()).
		Uint16("code", uint16(code)).
		Uint8("opcode", opcode).
		Err(err).
		Msg("connection closing abnormally")
}

func (c *Connection) localAddr() string {
	if c.conn == nil {
		return ""
	}
	if la := c.conn.LocalAddr(); la != nil {
		return la.String()
	}
	return ""
}

func (c *Connection) sideLabel() string {
	if c.clientSide {
		return "client"
	}
	return "server"
}

func closeWirePayload(code Code, reason string) []byte {
	if code == NoStatusReceived {
		return nil
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return payload
}

// Close initiates the closing handshake (§4.4). It is a no-op unless the
// connection is currently open. A forced-close timer bounds how long the
// local side waits for the peer's echo.
func (c *Connection) Close(code int, reason string) {
	if c.getStatus().Code != isOpenSentinel {
		return
	}
	c.closeLocally(code, reason)
}

func (c *Connection) closeLocally(code int, reason string) {
	effCode, effReason := clampClose(code, reason)
	var payload []byte
	if validCloseRange(code) {
		payload = make([]byte, 2+len(effReason))
		binary.BigEndian.PutUint16(payload, uint16(effCode))
		copy(payload[2:], effReason)
	}
	c.setStatus(Status{Code: effCode, Reason: effReason, WasClean: false})
	_ = c.sendFrame(true, opClose, payload)

	timer := time.AfterFunc(c.params.HandshakeSoTimeout, func() {
		Log.Warn().
			Str("remote", c.peerHost).
			Int("port", c.port).
			Str("local", c.localAddr()).
			Str("side", c.sideLabel()).
			Uint16("code", uint16(c.getStatus().Code)).
			Msg("forced close: peer did not echo close frame in time")
		_ = c.conn.Close()
	})
	c.mu.Lock()
	c.closeTimer = timer
	c.mu.Unlock()
}

// Send fragments r into frames of at most PayloadBufferLength bytes each,
// using TEXT or BINARY on the first frame and CONTINUATION on the rest,
// with FIN set on the last (§4.6). A source that ends exactly on a
// buffer boundary still yields a final zero-length FIN frame.
func (c *Connection) Send(isText bool, r io.Reader) error {
	if c.getStatus().Code != isOpenSentinel {
		return ErrClosed
	}

	opcode := byte(opBinary)
	if isText {
		opcode = opText
	}

	buf := make([]byte, c.params.PayloadBufferLength)
	for {
		n, err := io.ReadFull(r, buf)
		switch {
		case err == nil:
			if sendErr := c.sendFrame(false, opcode, buf[:n]); sendErr != nil {
				return sendErr
			}
			opcode = opContinuation
		case errors.Is(err, io.ErrUnexpectedEOF):
			return c.sendFrame(true, opcode, buf[:n])
		case errors.Is(err, io.EOF):
			return c.sendFrame(true, opcode, nil)
		default:
			return err
		}
	}
}

// SendText sends s as a single logical TEXT message, fragmented as needed.
func (c *Connection) SendText(s string) error {
	return c.Send(true, strings.NewReader(s))
}

// SendBinary sends b as a single logical BINARY message, fragmented as
// needed.
func (c *Connection) SendBinary(b []byte) error {
	return c.Send(false, bytes.NewReader(b))
}

// connectionRegistry tracks the Connections owned by one Endpoint or
// Acceptor so a shutdown call can enumerate and close them all (I6, §5).
type connectionRegistry struct {
	mu    sync.Mutex
	conns map[*Connection]struct{}
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{conns: make(map[*Connection]struct{})}
}

func (r *connectionRegistry) add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
}

func (r *connectionRegistry) remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
}

func (r *connectionRegistry) snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

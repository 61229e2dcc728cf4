package websocket

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// secWebSocketKeyLength is the number of random bytes base64-encoded into
// Sec-WebSocket-Key (RFC 6455 Section 4.1).
const secWebSocketKeyLength = 16

// acceptKeyFor computes the Sec-WebSocket-Accept value for a given
// Sec-WebSocket-Key, per §4.3/P3: base64(SHA1(key || acceptGUID)).
func acceptKeyFor(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func newClientKey() (string, error) {
	buf := make([]byte, secWebSocketKeyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate Sec-WebSocket-Key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// handshakeResult carries what the opening handshake negotiated, consumed
// by Connection to populate its introspection fields.
type handshakeResult struct {
	subProtocol string
	path        string
	query       string
}

// acceptHandshake performs the server-accepting side of §4.3 over a raw
// connection: parse the request line and headers, validate the upgrade
// request, negotiate a subprotocol, and write either a 101 response or a
// 400 rejection. On any validation failure it still attempts to write the
// 400 response before returning ErrHandshakeFailed-wrapped detail.
func acceptHandshake(rw *bufio.ReadWriter, offered []string) (handshakeResult, error) {
	startLine, h, err := readHeaderBlock(rw.Reader)
	if err != nil {
		return handshakeResult{}, err
	}

	path, query, err := parseRequestLine(startLine)
	if err != nil {
		writeHandshakeFailure(rw)
		return handshakeResult{}, err
	}

	if !strings.EqualFold(h.Get("Upgrade"), "websocket") {
		writeHandshakeFailure(rw)
		return handshakeResult{}, fmt.Errorf("%w: missing or wrong Upgrade header", ErrHandshakeFailed)
	}
	if !headerListContainsFold(h.List("Connection"), "upgrade") {
		writeHandshakeFailure(rw)
		return handshakeResult{}, fmt.Errorf("%w: missing Upgrade in Connection header", ErrHandshakeFailed)
	}
	key := h.Get("Sec-WebSocket-Key")
	if key == "" {
		writeHandshakeFailure(rw)
		return handshakeResult{}, fmt.Errorf("%w: missing Sec-WebSocket-Key", ErrHandshakeFailed)
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != secWebSocketKeyLength {
		writeHandshakeFailure(rw)
		return handshakeResult{}, fmt.Errorf("%w: malformed Sec-WebSocket-Key", ErrHandshakeFailed)
	}

	requested := h.List("Sec-WebSocket-Protocol")
	chosen, err := negotiateSubProtocol(requested, offered)
	if err != nil {
		writeHandshakeFailure(rw)
		return handshakeResult{}, err
	}

	resp := newHeader()
	resp.Set("Upgrade", "websocket")
	resp.Set("Connection", "Upgrade,keep-alive")
	resp.Set("Sec-WebSocket-Accept", acceptKeyFor(key))
	resp.Set("Sec-WebSocket-Version", protocolVersion)
	if chosen != "" {
		resp.Set("Sec-WebSocket-Protocol", chosen)
	}
	if err := writeHeaderBlock(rw.Writer, "HTTP/1.1 101 Switching Protocols", resp); err != nil {
		return handshakeResult{}, err
	}
	if err := rw.Writer.Flush(); err != nil {
		return handshakeResult{}, err
	}

	return handshakeResult{subProtocol: chosen, path: path, query: query}, nil
}

func writeHandshakeFailure(rw *bufio.ReadWriter) {
	resp := newHeader()
	resp.Set("Connection", "close")
	_ = writeHeaderBlock(rw.Writer, "HTTP/1.1 400 Bad Request", resp)
	_ = rw.Writer.Flush()
}

// negotiateSubProtocol implements §4.3's matching rule: the first
// client-offered value that also appears in the server's configured list
// wins; if the client offered any and none match, negotiation fails; if
// the server configured none, the header is ignored entirely.
func negotiateSubProtocol(requested, offered []string) (string, error) {
	if len(offered) == 0 {
		return "", nil
	}
	if len(requested) == 0 {
		return "", nil
	}
	for _, want := range requested {
		for _, have := range offered {
			if want == have {
				return want, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no matching subprotocol", ErrHandshakeFailed)
}

func parseRequestLine(line string) (path, query string, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "", "", fmt.Errorf("%w: malformed request line %q", ErrHandshakeFailed, line)
	}
	method, target, proto := fields[0], fields[1], fields[2]
	if method != "GET" {
		return "", "", fmt.Errorf("%w: method %q, want GET", ErrHandshakeFailed, method)
	}
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return "", "", fmt.Errorf("%w: protocol %q", ErrHandshakeFailed, proto)
	}
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return "", "", fmt.Errorf("%w: bad request target %q", ErrHandshakeFailed, target)
	}
	return u.Path, u.RawQuery, nil
}

func headerListContainsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

// dialHandshake performs the client-initiating side of §4.3 over a raw
// connection already connected to host:port: compose and send the request,
// read the response, and validate status, accept digest, and subprotocol
// consistency.
func dialHandshake(rw *bufio.ReadWriter, u *url.URL, offered []string) (handshakeResult, error) {
	key, err := newClientKey()
	if err != nil {
		return handshakeResult{}, err
	}

	target := u.Path
	if target == "" {
		target = "/"
	}
	if u.RawQuery != "" {
		target += "?" + u.RawQuery
	}

	req := newHeader()
	req.Set("Host", u.Host)
	req.Set("Origin", originFor(u))
	req.Set("Upgrade", "websocket")
	req.Set("Connection", "Upgrade,keep-alive")
	req.Set("Sec-WebSocket-Key", key)
	req.Set("Sec-WebSocket-Version", protocolVersion)
	req.Set("User-Agent", "go-websocket")
	if len(offered) > 0 {
		req.Set("Sec-WebSocket-Protocol", strings.Join(offered, ", "))
	}

	startLine := fmt.Sprintf("GET %s HTTP/1.1", target)
	if err := writeHeaderBlock(rw.Writer, startLine, req); err != nil {
		return handshakeResult{}, err
	}
	if err := rw.Writer.Flush(); err != nil {
		return handshakeResult{}, err
	}

	statusLine, resp, err := readHeaderBlock(rw.Reader)
	if err != nil {
		return handshakeResult{}, err
	}

	if !strings.Contains(statusLine, " 101 ") && !strings.HasSuffix(statusLine, " 101") {
		return handshakeResult{}, fmt.Errorf("%w: server replied %q", ErrHandshakeFailed, statusLine)
	}
	if accept := resp.Get("Sec-WebSocket-Accept"); accept != acceptKeyFor(key) {
		return handshakeResult{}, fmt.Errorf("%w: Sec-WebSocket-Accept mismatch", ErrHandshakeFailed)
	}

	chosen := resp.Get("Sec-WebSocket-Protocol")
	switch {
	case len(offered) == 0 && chosen != "":
		return handshakeResult{}, fmt.Errorf("%w: unexpected subprotocol %q", ErrHandshakeFailed, chosen)
	case len(offered) > 0 && chosen == "":
		return handshakeResult{}, fmt.Errorf("%w: server named no subprotocol though client offered some", ErrHandshakeFailed)
	case len(offered) > 0 && !containsString(offered, chosen):
		return handshakeResult{}, fmt.Errorf("%w: unoffered subprotocol %q", ErrHandshakeFailed, chosen)
	}

	return handshakeResult{subProtocol: chosen, path: u.Path, query: u.RawQuery}, nil
}

func originFor(u *url.URL) string {
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	host := u.Hostname()
	if port := u.Port(); port != "" {
		host = host + ":" + port
	}
	return scheme + "://" + host
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// defaultPortFor returns the scheme's implied port when the URL omits one
// (§6 URI scheme: ws→80, wss→443).
func defaultPortFor(scheme string) string {
	if scheme == "wss" {
		return "443"
	}
	return "80"
}

func hostPort(u *url.URL) (string, error) {
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: URI missing host", ErrHandshakeFailed)
	}
	port := u.Port()
	if port == "" {
		port = defaultPortFor(u.Scheme)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("%w: bad port in URI", ErrHandshakeFailed)
	}
	return host + ":" + port, nil
}

package websocket

import (
	"bufio"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// P3: the worked example from RFC 6455 Section 1.3.
func TestAcceptKeyForRFCExample(t *testing.T) {
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", acceptKeyFor("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestNegotiateSubProtocolFirstMatchWins(t *testing.T) {
	chosen, err := negotiateSubProtocol([]string{"chat", "superchat"}, []string{"superchat", "chat"})
	require.NoError(t, err)
	assert.Equal(t, "chat", chosen)
}

func TestNegotiateSubProtocolNoServerPreferenceIgnoresHeader(t *testing.T) {
	chosen, err := negotiateSubProtocol([]string{"chat"}, nil)
	require.NoError(t, err)
	assert.Empty(t, chosen)
}

func TestNegotiateSubProtocolMismatchFails(t *testing.T) {
	_, err := negotiateSubProtocol([]string{"chat"}, []string{"echo"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestNegotiateSubProtocolClientOffersNoneSucceeds(t *testing.T) {
	chosen, err := negotiateSubProtocol(nil, []string{"chat"})
	require.NoError(t, err)
	assert.Empty(t, chosen)
}

func TestParseRequestLineRejectsNonGET(t *testing.T) {
	_, _, err := parseRequestLine("POST /chat HTTP/1.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestParseRequestLineExtractsPathAndQuery(t *testing.T) {
	path, query, err := parseRequestLine("GET /chat?room=42 HTTP/1.1")
	require.NoError(t, err)
	assert.Equal(t, "/chat", path)
	assert.Equal(t, "room=42", query)
}

func TestDefaultPortForScheme(t *testing.T) {
	assert.Equal(t, "80", defaultPortFor("ws"))
	assert.Equal(t, "443", defaultPortFor("wss"))
}

// §4.3: if the client offered subprotocols, the response must name exactly
// one of them. A 101 response that omits Sec-WebSocket-Protocol entirely,
// despite the client having offered some, is not a valid acceptance.
func TestDialHandshakeRejectsMissingSubProtocolWhenOffered(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		sbr := bufio.NewReader(serverConn)
		_, respHeader, err := readHeaderBlock(sbr)
		if err != nil {
			return
		}
		resp := newHeader()
		resp.Set("Upgrade", "websocket")
		resp.Set("Connection", "Upgrade")
		resp.Set("Sec-WebSocket-Accept", acceptKeyFor(respHeader.Get("Sec-WebSocket-Key")))
		_ = writeHeaderBlock(serverConn, "HTTP/1.1 101 Switching Protocols", resp)
	}()

	rw := bufio.NewReadWriter(bufio.NewReader(clientConn), bufio.NewWriter(clientConn))
	u, err := url.Parse("ws://example.com/chat")
	require.NoError(t, err)

	_, err = dialHandshake(rw, u, []string{"chat"})
	<-done
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

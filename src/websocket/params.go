package websocket

import (
	"crypto/tls"
	"time"
)

// ServerIdentity supplies TLS material for accepting secure connections.
// Loading key/certificate material from disk is outside this library's
// scope (§6); a host implements this interface however it stores secrets.
type ServerIdentity interface {
	TLSConfig() (*tls.Config, error)
}

// ClientTrust supplies TLS trust material for validating a server when
// dialing a wss:// endpoint. Loading trust material from disk is outside
// this library's scope (§6).
type ClientTrust interface {
	TLSConfig() (*tls.Config, error)
}

// MaskSource fills buf with bytes suitable for use as a frame masking key.
// The default, installed by NewParams, reads from crypto/rand (§9, P9).
type MaskSource func(buf []byte) error

// Params holds the per-connection configuration enumerated in §3. Build one
// with NewParams and the With* options below; the zero value is not meant
// to be used directly since several fields need non-zero defaults.
type Params struct {
	HandshakeSoTimeout  time.Duration
	ConnectionSoTimeout time.Duration
	PingEnabled         bool
	PayloadBufferLength int
	MaxMessageLength    int
	SubProtocols        []string
	SSLParameters       any

	maskSource MaskSource
}

// Option configures a Params value built by NewParams.
type Option func(*Params)

// NewParams returns a Params populated with this library's defaults,
// modified by any supplied options. Matches the functional-options idiom
// used throughout the retrieved corpus's own config construction.
func NewParams(opts ...Option) Params {
	p := Params{
		HandshakeSoTimeout:  defaultHandshakeSoTimeout,
		ConnectionSoTimeout: defaultConnectionSoTimeout,
		PingEnabled:         true,
		PayloadBufferLength: defaultPayloadBufferLength,
		MaxMessageLength:    defaultMaxMessageLength,
		maskSource:          cryptoRandMaskSource,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WithHandshakeSoTimeout overrides the handshake/forced-close read deadline.
func WithHandshakeSoTimeout(d time.Duration) Option {
	return func(p *Params) { p.HandshakeSoTimeout = d }
}

// WithConnectionSoTimeout overrides the steady-state read deadline.
func WithConnectionSoTimeout(d time.Duration) Option {
	return func(p *Params) { p.ConnectionSoTimeout = d }
}

// WithPingEnabled controls whether an idle read timeout emits a PING
// (true) or aborts the connection (false).
func WithPingEnabled(enabled bool) Option {
	return func(p *Params) { p.PingEnabled = enabled }
}

// WithPayloadBufferLength overrides the outbound fragmentation threshold,
// which also bounds a single outbound frame's payload.
func WithPayloadBufferLength(n int) Option {
	return func(p *Params) { p.PayloadBufferLength = n }
}

// WithMaxMessageLength overrides the inbound reassembled-message ceiling.
func WithMaxMessageLength(n int) Option {
	return func(p *Params) { p.MaxMessageLength = n }
}

// WithSubProtocols sets the advertised/offered subprotocol list, in
// preference order.
func WithSubProtocols(protocols ...string) Option {
	return func(p *Params) { p.SubProtocols = protocols }
}

// WithSSLParameters attaches an opaque value forwarded to the TLS layer
// (§3); its shape is defined by the host, not this library.
func WithSSLParameters(v any) Option {
	return func(p *Params) { p.SSLParameters = v }
}

// WithMaskSource overrides the source of masking-key bytes. Hosts that
// accept a weaker guarantee than crypto/rand for performance reasons may
// substitute a faster PRNG (§9).
func WithMaskSource(src MaskSource) Option {
	return func(p *Params) { p.maskSource = src }
}

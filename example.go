package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/miktim/WsServer/src/websocket"
)

// echoHandler greets a new connection, echoes every inbound message (text
// or binary) back to its sender, and starts a normal close of the
// connection after a 3-second grace period. The listener keeps running.
type echoHandler struct{}

func (echoHandler) OnOpen(c *websocket.Connection, subProtocol string) {
	websocket.Log.Info().Str("conn", c.ID()).Str("subprotocol", subProtocol).Msg("connection opened")
	_ = c.SendText("Hello from server")

	go func() {
		time.Sleep(3 * time.Second)
		c.Close(int(websocket.NormalClosure), "demo grace period elapsed")
	}()
}

func (echoHandler) OnMessage(c *websocket.Connection, r io.ReadCloser, isText bool) {
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		websocket.Log.Warn().Err(err).Str("conn", c.ID()).Msg("failed to read inbound message")
		return
	}
	websocket.Log.Debug().Str("conn", c.ID()).Int("bytes", len(b)).Msg("message received")
	if isText {
		_ = c.SendText(string(b))
	} else {
		_ = c.SendBinary(b)
	}
}

func (echoHandler) OnError(c *websocket.Connection, err error) {
	websocket.Log.Error().Err(err).Str("conn", c.ID()).Msg("connection error")
}

func (echoHandler) OnClose(c *websocket.Connection, status websocket.Status) {
	websocket.Log.Info().Str("conn", c.ID()).Stringer("status", status).Msg("connection closed")
}

type logAcceptorHandler struct{}

func (logAcceptorHandler) OnStart(a *websocket.Acceptor) {
	websocket.Log.Info().Int("port", a.GetPort()).Msg("acceptor started")
}

func (logAcceptorHandler) OnAccept(a *websocket.Acceptor, c *websocket.Connection) bool {
	websocket.Log.Info().Str("conn", c.ID()).Str("peer", c.GetPeerHost()).Msg("accepted connection")
	return true
}

func (logAcceptorHandler) OnStop(a *websocket.Acceptor, err error) {
	websocket.Log.Info().Err(err).Msg("acceptor stopped")
}

func main() {
	websocket.Log = zerolog.New(os.Stdout).With().Timestamp().Logger()

	endpoint := websocket.NewEndpoint("")
	params := websocket.NewParams(websocket.WithPingEnabled(true))

	acceptor, err := endpoint.Listen(8080, echoHandler{}, params, logAcceptorHandler{}, nil)
	if err != nil {
		websocket.Log.Fatal().Err(err).Msg("listen failed")
	}

	websocket.Log.Info().Str("address", acceptor.GetBindAddress()).Msg("echo server listening")
	select {}
}

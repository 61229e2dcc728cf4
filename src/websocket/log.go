package websocket

import "github.com/rs/zerolog"

// Log is the package-wide logger. It defaults to a no-op sink so importing
// this library is silent by default; a host application assigns its own
// configured logger (e.g. websocket.Log = myLogger) to see diagnostics.
var Log zerolog.Logger = zerolog.Nop()

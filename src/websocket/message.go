package websocket

import "io"

// messageReader presents one reassembled inbound message (TEXT or BINARY,
// possibly fragmented across CONTINUATION frames) as a lazy byte stream
// (§4.5). It is handed to the application's onMessage callback and must be
// fully consumed or explicitly closed before the reader loop resumes,
// since nextFrame drives the same underlying socket read the loop uses.
type messageReader struct {
	isText   bool
	buf      []byte // unread bytes of the current frame's payload
	fin      bool   // whether the current frame was the last of the message
	nextFrame func() (*frame, error)
	closed   bool
	err      error
}

func newMessageReader(first *frame, nextFrame func() (*frame, error)) *messageReader {
	return &messageReader{
		isText:    first.opcode == opText,
		buf:       first.payload,
		fin:       first.fin,
		nextFrame: nextFrame,
	}
}

// Read implements io.Reader. Once the current frame's buffered payload is
// exhausted, it fetches the next CONTINUATION frame unless FIN was already
// set, per §4.5.
func (m *messageReader) Read(p []byte) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	for len(m.buf) == 0 {
		if m.fin {
			m.err = io.EOF
			return 0, io.EOF
		}
		f, err := m.nextFrame()
		if err != nil {
			m.err = err
			return 0, err
		}
		m.buf = f.payload
		m.fin = f.fin
	}
	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}

// Close drains and discards any remaining frames of the message so the
// connection's reader loop stays synchronized with the wire, per §4.5's
// "closing the stream early drains and discards remaining bytes".
func (m *messageReader) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	for {
		if m.err != nil {
			if m.err == io.EOF {
				return nil
			}
			return m.err
		}
		m.buf = nil
		if m.fin {
			return nil
		}
		f, err := m.nextFrame()
		if err != nil {
			m.err = err
			return err
		}
		m.fin = f.fin
	}
}

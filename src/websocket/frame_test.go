package websocket

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrameTextUnmasked(t *testing.T) {
	buf := bytes.NewBuffer([]byte{
		0x81, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f,
	})
	f, err := readFrame(buf)
	require.NoError(t, err)
	assert.True(t, f.fin)
	assert.Equal(t, opText, f.opcode)
	assert.False(t, f.masked)
	assert.Equal(t, []byte("Hello"), f.payload)
}

func TestReadFrameTextMasked(t *testing.T) {
	buf := bytes.NewBuffer([]byte{
		0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58,
	})
	f, err := readFrame(buf)
	require.NoError(t, err)
	assert.True(t, f.fin)
	assert.Equal(t, opText, f.opcode)
	assert.True(t, f.masked)
	assert.Equal(t, [4]byte{0x37, 0xfa, 0x21, 0x3d}, f.mask)
	assert.Equal(t, []byte("Hello"), f.payload)
}

func TestReadFrameExtended16Length(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 200)
	var buf bytes.Buffer
	buf.WriteByte(bitFin | opBinary)
	buf.WriteByte(lenExt16)
	buf.WriteByte(0x00)
	buf.WriteByte(0xC8) // 200
	buf.Write(payload)

	f, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, opBinary, f.opcode)
	assert.Equal(t, payload, f.payload)
}

func TestReadFrameRejectsUnknownOpcode(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x83, 0x00}) // fin + opcode 0x3 (reserved)
	_, err := readFrame(buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadFrameRejectsOversizeControlFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(bitFin | opPing)
	buf.WriteByte(126) // 126-byte payload, over the 125-byte control frame cap
	buf.Write([]byte{0x00, 0x7e})
	buf.Write(bytes.Repeat([]byte{'x'}, 126))

	_, err := readFrame(&buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadFrameRejectsFragmentedControlFrame(t *testing.T) {
	buf := bytes.NewBuffer([]byte{opClose, 0x00}) // FIN not set
	_, err := readFrame(buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

func TestReadFrameUnexpectedEOF(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x81})
	_, err := readFrame(buf)
	require.Error(t, err)
}

func TestWriteFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("round trip")
	require.NoError(t, writeFrame(&buf, cryptoRandMaskSource, true, opText, true, payload))

	f, err := readFrame(&buf)
	require.NoError(t, err)
	assert.True(t, f.fin)
	assert.Equal(t, opText, f.opcode)
	assert.True(t, f.masked)
	assert.Equal(t, payload, f.payload)
}

func TestWriteFrameUnmaskedServerSide(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("server says hi")
	require.NoError(t, writeFrame(&buf, cryptoRandMaskSource, true, opText, false, payload))

	f, err := readFrame(&buf)
	require.NoError(t, err)
	assert.False(t, f.masked)
	assert.Equal(t, payload, f.payload)
}

func TestWriteFrameRejectsOversizeControlFrame(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, cryptoRandMaskSource, true, opPing, false, bytes.Repeat([]byte{'x'}, 126))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocolViolation)
}

// P2: for any valid (opcode, fin, payload) tuple, encode then decode
// reproduces it, across the 7-bit/16-bit/64-bit length encodings.
func TestFramingRoundTripAcrossLengths(t *testing.T) {
	sizes := []int{0, 1, 125, 126, 1000, 70000}
	for _, size := range sizes {
		payload := bytes.Repeat([]byte{'a'}, size)
		var buf bytes.Buffer
		require.NoError(t, writeFrame(&buf, cryptoRandMaskSource, true, opBinary, true, payload))
		f, err := readFrame(&buf)
		require.NoError(t, err)
		assert.True(t, f.fin)
		assert.Equal(t, opBinary, f.opcode)
		assert.Equal(t, payload, f.payload)
	}
}

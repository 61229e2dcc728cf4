package websocket

import "crypto/rand"

// cryptoRandMaskSource is the default MaskSource (§9, P9): masking keys are
// drawn from crypto/rand rather than a seeded PRNG, matching this library's
// guidance that implementations SHOULD use a cryptographically strong
// source even though RFC 6455 only requires unpredictability to the peer.
func cryptoRandMaskSource(buf []byte) error {
	_, err := rand.Read(buf)
	return err
}

// applyMask XORs data in place with mask, cycling through the 4 mask bytes
// with a bitwise AND per the implementation hint in §4.2 (mask[i&3]).
//
// P1: applyMask(applyMask(b, m), m) == b, since XOR is its own inverse.
func applyMask(data []byte, mask [4]byte) {
	for i := range data {
		data[i] ^= mask[i&3]
	}
}

// maskCopy returns a new slice containing data with mask applied, leaving
// the caller's buffer untouched (§4.2: "never mutate caller's buffer").
func maskCopy(data []byte, mask [4]byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	applyMask(out, mask)
	return out
}

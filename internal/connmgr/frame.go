package connmgr

// EncodeFrame builds the outbound wire form of p: one length byte followed by
// p. The length byte is len(p) modulo 256; payloads longer than 255 bytes are
// written in full but carry a truncated length, which the peer's decoder is
// expected to live with.
func EncodeFrame(p []byte) []byte {
	frame := make([]byte, len(p)+1)
	frame[0] = byte(len(p))
	copy(frame[1:], p)
	return frame
}

package connmgr

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		header  byte
	}{
		{"empty", nil, 0},
		{"hi", []byte("hi"), 2},
		{"max", bytes.Repeat([]byte{0xaa}, 255), 255},
		{"wraps at 256", bytes.Repeat([]byte{0xaa}, 256), 0},
		{"260 keeps only the low byte", bytes.Repeat([]byte{0xaa}, 260), 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodeFrame(tt.payload)
			assert.Len(t, frame, len(tt.payload)+1)
			assert.Equal(t, tt.header, frame[0])
			assert.Equal(t, []byte(tt.payload), []byte(frame[1:]), "payload is copied verbatim")
		})
	}
}

func TestEncodeFrameCopiesPayload(t *testing.T) {
	p := []byte("hi")
	frame := EncodeFrame(p)
	p[0] = 'X'
	assert.Equal(t, []byte{0x02, 'h', 'i'}, frame)
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "connected to Peer1", StatusText(StateConnected, Peer{Address: "peer-1", Name: "Peer1"}))
	assert.Equal(t, "connected to peer-1", StatusText(StateConnected, Peer{Address: "peer-1"}))
	assert.Equal(t, "connecting...", StatusText(StateConnecting, Peer{}))
	assert.Equal(t, "not connected", StatusText(StateListening, Peer{}))
	assert.Equal(t, "not connected", StatusText(StateNone, Peer{}))
}

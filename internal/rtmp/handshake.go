package rtmp

import (
	"bytes"
	"crypto/rand"
	"fmt"
)

const (
	handshakeVersion = 3
	handshakeSize    = 1536
)

type handshakeState int

const (
	awaitC0C1 handshakeState = iota
	awaitC2
	handshakeDone
)

// Handshake runs the server side of the simple (non-digest) RTMP handshake.
// Client random bytes are read but not validated and S1/S2 carry fresh random
// data instead of an echo of C1.
type Handshake struct {
	state handshakeState
	buf   bytes.Buffer
	c1    []byte
}

// NewHandshake creates a handshake awaiting C0+C1
func NewHandshake() *Handshake {
	return &Handshake{}
}

// Done reports whether C2 has been received
func (h *Handshake) Done() bool {
	return h.state == handshakeDone
}

// Feed consumes handshake bytes. reply holds S0+S1+S2 once C0+C1 are
// complete. After the handshake finishes, rest holds the bytes that followed
// C2 and every later call passes p through untouched.
func (h *Handshake) Feed(p []byte) (reply, rest []byte, err error) {
	if h.state == handshakeDone {
		return nil, p, nil
	}
	h.buf.Write(p)

	if h.state == awaitC0C1 {
		if h.buf.Len() < 1+handshakeSize {
			return nil, nil, nil
		}
		h.buf.Next(1)
		h.c1 = append([]byte(nil), h.buf.Next(handshakeSize)...)

		reply = make([]byte, 0, 1+2*handshakeSize)
		reply = append(reply, handshakeVersion)
		for i := 0; i < 2; i++ {
			block, err := randomBlock()
			if err != nil {
				return nil, nil, err
			}
			reply = append(reply, block...)
		}
		h.state = awaitC2
	}

	if h.state == awaitC2 {
		if h.buf.Len() < handshakeSize {
			return reply, nil, nil
		}
		h.buf.Next(handshakeSize)
		h.state = handshakeDone
		if h.buf.Len() > 0 {
			rest = append([]byte(nil), h.buf.Bytes()...)
		}
		h.buf = bytes.Buffer{}
	}
	return reply, rest, nil
}

// randomBlock lays out time (zero), zero and 1528 random bytes
func randomBlock() ([]byte, error) {
	b := make([]byte, handshakeSize)
	if _, err := rand.Read(b[8:]); err != nil {
		return nil, fmt.Errorf("handshake random: %w", err)
	}
	return b, nil
}

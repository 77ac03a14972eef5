package rtmp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	rtmpmsg "liverelay/internal/rtmp/message"
)

// DefaultChunkSize is the chunk size both peers start with
const DefaultChunkSize = 128

const (
	chunkFmt0 = 0
	chunkFmt1 = 1
	chunkFmt2 = 2
	chunkFmt3 = 3

	maxTimestamp = 0xFFFFFF
)

// ErrProtocol marks a chunk stream violation. The connection must be closed.
var ErrProtocol = errors.New("rtmp: protocol violation")

// ChunkHeader is the decoded header of one chunk
type ChunkHeader struct {
	ChunkStreamID   uint32
	Format          uint8
	Timestamp       uint32
	TimestampDelta  uint32
	Extended        bool
	MessageLength   uint32
	MessageTypeID   rtmpmsg.TypeID
	MessageStreamID uint32
	HeaderLength    int

	// absolute is true when the message timing comes from a format 0 header
	absolute bool
}

// channelState tracks one chunk stream while a message on it is incomplete
type channelState struct {
	last        *ChunkHeader
	payload     []byte
	inProgress  bool
	headerBytes int
}

type decodeState int

const (
	stateHeader decodeState = iota
	statePayload
)

// ChunkDecoder reassembles messages from the inbound chunk stream. It is fed
// raw bytes and keeps whatever it cannot decode yet.
type ChunkDecoder struct {
	buf       bytes.Buffer
	state     decodeState
	chunkSize uint32
	channels  map[uint32]*channelState
	current   *channelState
	currentID uint32
}

// NewChunkDecoder creates a decoder with the default chunk size
func NewChunkDecoder() *ChunkDecoder {
	return &ChunkDecoder{
		chunkSize: DefaultChunkSize,
		channels:  make(map[uint32]*channelState),
	}
}

// ChunkSize returns the negotiated inbound chunk size
func (d *ChunkDecoder) ChunkSize() uint32 {
	return d.chunkSize
}

// Feed appends p and returns every message completed by it
func (d *ChunkDecoder) Feed(p []byte) ([]rtmpmsg.Message, error) {
	d.buf.Write(p)

	var out []rtmpmsg.Message
	for {
		switch d.state {
		case stateHeader:
			h, ok, err := d.readHeader()
			if err != nil {
				return out, err
			}
			if !ok {
				return out, nil
			}
			if err := d.beginChunk(h); err != nil {
				return out, err
			}
			d.state = statePayload

		case statePayload:
			cs := d.current
			remaining := uint32(cap(cs.payload) - len(cs.payload))
			n := remaining
			if n > d.chunkSize {
				n = d.chunkSize
			}
			if uint32(d.buf.Len()) < n {
				return out, nil
			}
			cs.payload = append(cs.payload, d.buf.Next(int(n))...)
			d.state = stateHeader

			if len(cs.payload) < cap(cs.payload) {
				continue
			}

			msg, err := d.complete(cs)
			if err != nil {
				return out, err
			}
			out = append(out, msg)
		}
	}
}

// readHeader parses a chunk header without consuming anything unless the
// whole header is buffered.
func (d *ChunkDecoder) readHeader() (*ChunkHeader, bool, error) {
	b := d.buf.Bytes()
	if len(b) < 1 {
		return nil, false, nil
	}

	h := &ChunkHeader{Format: b[0] >> 6}
	csid := uint32(b[0] & 0x3F)
	off := 1

	switch csid {
	case 0:
		if len(b) < 2 {
			return nil, false, nil
		}
		csid = uint32(b[1]) + 64
		off = 2
	case 1:
		if len(b) < 3 {
			return nil, false, nil
		}
		csid = 64 + uint32(b[1]) + 256*uint32(b[2])
		off = 3
	}
	h.ChunkStreamID = csid

	var fieldLen int
	switch h.Format {
	case chunkFmt0:
		fieldLen = 11
	case chunkFmt1:
		fieldLen = 7
	case chunkFmt2:
		fieldLen = 3
	case chunkFmt3:
		fieldLen = 0
	default:
		return nil, false, fmt.Errorf("%w: chunk format %d", ErrProtocol, h.Format)
	}
	if len(b) < off+fieldLen {
		return nil, false, nil
	}

	f := b[off : off+fieldLen]
	var ts uint32
	switch h.Format {
	case chunkFmt0:
		ts = uint24(f[0:3])
		h.MessageLength = uint24(f[3:6])
		h.MessageTypeID = rtmpmsg.TypeID(f[6])
		h.MessageStreamID = binary.LittleEndian.Uint32(f[7:11])
	case chunkFmt1:
		ts = uint24(f[0:3])
		h.MessageLength = uint24(f[3:6])
		h.MessageTypeID = rtmpmsg.TypeID(f[6])
	case chunkFmt2:
		ts = uint24(f[0:3])
	}
	off += fieldLen

	if h.Format != chunkFmt3 && ts == maxTimestamp {
		if len(b) < off+4 {
			return nil, false, nil
		}
		ts = binary.BigEndian.Uint32(b[off : off+4])
		h.Extended = true
		off += 4
	}

	switch h.Format {
	case chunkFmt0:
		h.Timestamp = ts
		h.absolute = true
	case chunkFmt1, chunkFmt2:
		h.TimestampDelta = ts
	}

	h.HeaderLength = off
	d.buf.Next(off)
	return h, true, nil
}

// beginChunk completes h from the channel's previous header and selects the
// buffer the following payload belongs to.
func (d *ChunkDecoder) beginChunk(h *ChunkHeader) error {
	cs, ok := d.channels[h.ChunkStreamID]
	if !ok {
		cs = &channelState{}
		d.channels[h.ChunkStreamID] = cs
	}

	prev := cs.last
	if h.Format != chunkFmt0 && prev == nil {
		return fmt.Errorf("%w: format %d chunk on unknown chunk stream %d", ErrProtocol, h.Format, h.ChunkStreamID)
	}

	switch h.Format {
	case chunkFmt1:
		h.MessageStreamID = prev.MessageStreamID
	case chunkFmt2:
		h.MessageLength = prev.MessageLength
		h.MessageStreamID = prev.MessageStreamID
		h.MessageTypeID = prev.MessageTypeID
	case chunkFmt3:
		h.MessageStreamID = prev.MessageStreamID
		h.MessageTypeID = prev.MessageTypeID
		h.Timestamp = prev.Timestamp
		h.TimestampDelta = prev.TimestampDelta
		h.absolute = prev.absolute
	}

	if h.Format != chunkFmt3 {
		cs.payload = make([]byte, 0, h.MessageLength)
		cs.inProgress = true
		cs.headerBytes = 0
		cs.last = h
	} else if !cs.inProgress {
		// previous message fully drained, the last length applies again
		cs.payload = make([]byte, 0, prev.MessageLength)
		cs.inProgress = true
		cs.headerBytes = 0
	}

	cs.headerBytes += h.HeaderLength
	d.current = cs
	d.currentID = h.ChunkStreamID
	return nil
}

func (d *ChunkDecoder) complete(cs *channelState) (rtmpmsg.Message, error) {
	h := cs.last
	payload := cs.payload
	headerBytes := cs.headerBytes

	cs.payload = nil
	cs.inProgress = false
	cs.headerBytes = 0

	msg, err := rtmpmsg.Decode(h.MessageTypeID, payload)
	if err != nil {
		return nil, fmt.Errorf("chunk stream %d: %w", d.currentID, err)
	}

	m := msg.Header()
	m.Timestamp = h.Timestamp
	m.TimestampDelta = h.TimestampDelta
	m.Absolute = h.absolute
	m.StreamID = h.MessageStreamID
	m.InboundSize = headerBytes + len(payload)

	// control messages that change decoder state are applied here and still
	// returned so the session can account for their bytes
	switch m := msg.(type) {
	case *rtmpmsg.SetChunkSize:
		if m.Size == 0 {
			return nil, fmt.Errorf("%w: chunk size 0", ErrProtocol)
		}
		d.chunkSize = m.Size
	case *rtmpmsg.Abort:
		m.InboundSize += d.abort(m.ChunkStream)
	}
	return msg, nil
}

// abort discards the partially received message on csid and returns the
// number of bytes thrown away. The last header is kept so later chunks on
// the stream can still inherit from it.
func (d *ChunkDecoder) abort(csid uint32) int {
	cs, ok := d.channels[csid]
	if !ok || !cs.inProgress {
		return 0
	}
	n := cs.headerBytes + len(cs.payload)
	cs.payload = nil
	cs.inProgress = false
	cs.headerBytes = 0
	return n
}

// ChunkEncoder splits outbound messages into chunks
type ChunkEncoder struct {
	chunkSize uint32
}

// NewChunkEncoder creates an encoder with the default chunk size
func NewChunkEncoder() *ChunkEncoder {
	return &ChunkEncoder{chunkSize: DefaultChunkSize}
}

// ChunkSize returns the outbound chunk size
func (e *ChunkEncoder) ChunkSize() uint32 {
	return e.chunkSize
}

// Encode returns the chunked wire form of msg. Encoding a SetChunkSize
// switches the encoder to the new size for the messages that follow it.
func (e *ChunkEncoder) Encode(msg rtmpmsg.Message) ([]byte, error) {
	payload, err := msg.EncodePayload()
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", msg, err)
	}
	if len(payload) > 0xFFFFFF {
		return nil, fmt.Errorf("encode %T: payload too large (%d bytes)", msg, len(payload))
	}

	meta := msg.Header()
	csid := msg.ChunkStreamID()
	var buf bytes.Buffer
	buf.Grow(len(payload) + 16 + len(payload)/int(e.chunkSize)*3)

	writeBasicHeader(&buf, chunkFmt0, csid)
	ts := meta.Timestamp
	if ts >= maxTimestamp {
		putUint24(&buf, maxTimestamp)
	} else {
		putUint24(&buf, ts)
	}
	putUint24(&buf, uint32(len(payload)))
	buf.WriteByte(byte(msg.TypeID()))
	var sid [4]byte
	binary.LittleEndian.PutUint32(sid[:], meta.StreamID)
	buf.Write(sid[:])
	if ts >= maxTimestamp {
		var ext [4]byte
		binary.BigEndian.PutUint32(ext[:], ts)
		buf.Write(ext[:])
	}

	for off := 0; ; {
		end := off + int(e.chunkSize)
		if end > len(payload) {
			end = len(payload)
		}
		buf.Write(payload[off:end])
		off = end
		if off >= len(payload) {
			break
		}
		writeBasicHeader(&buf, chunkFmt3, csid)
	}

	if scs, ok := msg.(*rtmpmsg.SetChunkSize); ok && scs.Size > 0 {
		e.chunkSize = scs.Size
	}
	return buf.Bytes(), nil
}

func writeBasicHeader(buf *bytes.Buffer, format uint8, csid uint32) {
	switch {
	case csid < 64:
		buf.WriteByte(format<<6 | byte(csid))
	case csid < 64+256:
		buf.WriteByte(format << 6)
		buf.WriteByte(byte(csid - 64))
	default:
		buf.WriteByte(format<<6 | 1)
		rest := csid - 64
		buf.WriteByte(byte(rest))
		buf.WriteByte(byte(rest >> 8))
	}
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func putUint24(buf *bytes.Buffer, n uint32) {
	buf.WriteByte(byte(n >> 16))
	buf.WriteByte(byte(n >> 8))
	buf.WriteByte(byte(n))
}

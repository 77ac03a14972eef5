package rtmp

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liverelay/internal/amf"
	rtmpmsg "liverelay/internal/rtmp/message"
)

// fmt0Chunk builds a single format 0 chunk carrying the whole payload
func fmt0Chunk(csid uint32, ts uint32, typeID rtmpmsg.TypeID, streamID uint32, payload []byte) []byte {
	var buf bytes.Buffer
	writeBasicHeader(&buf, chunkFmt0, csid)
	putUint24(&buf, ts)
	putUint24(&buf, uint32(len(payload)))
	buf.WriteByte(byte(typeID))
	var sid [4]byte
	binary.LittleEndian.PutUint32(sid[:], streamID)
	buf.Write(sid[:])
	buf.Write(payload)
	return buf.Bytes()
}

func TestChunkRoundTrip(t *testing.T) {
	enc := NewChunkEncoder()
	dec := NewChunkDecoder()

	video := &rtmpmsg.Video{Payload: bytes.Repeat([]byte{0x27, 0x01}, 150)}
	video.Timestamp = 4000
	video.StreamID = 1

	connect := &rtmpmsg.Command{
		Name:          "connect",
		TransactionID: 1,
		Args:          []any{amf.NewObject("app", "live", "tcUrl", "rtmp://localhost/live")},
	}

	var wire []byte
	videoWire, err := enc.Encode(video)
	require.NoError(t, err)
	wire = append(wire, videoWire...)
	cmdWire, err := enc.Encode(connect)
	require.NoError(t, err)
	wire = append(wire, cmdWire...)

	msgs, err := dec.Feed(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	gotVideo, ok := msgs[0].(*rtmpmsg.Video)
	require.True(t, ok)
	assert.Equal(t, video.Payload, gotVideo.Payload)
	assert.Equal(t, uint32(4000), gotVideo.Timestamp)
	assert.True(t, gotVideo.Absolute)
	assert.Equal(t, uint32(1), gotVideo.StreamID)
	assert.Equal(t, len(videoWire), gotVideo.InboundSize)

	gotCmd, ok := msgs[1].(*rtmpmsg.Command)
	require.True(t, ok)
	assert.Equal(t, "connect", gotCmd.Name)
	assert.Equal(t, 1.0, gotCmd.TransactionID)
	obj, ok := amf.AsObject(gotCmd.Arg(0))
	require.True(t, ok)
	app, _ := obj.GetString("app")
	assert.Equal(t, "live", app)

	again, err := NewChunkEncoder().Encode(gotVideo)
	require.NoError(t, err)
	assert.Equal(t, videoWire, again)
}

func TestChunkFormat3InheritsHeader(t *testing.T) {
	dec := NewChunkDecoder()

	var wire []byte
	wire = append(wire, fmt0Chunk(4, 100, rtmpmsg.TypeVideo, 1, []byte{0x17, 0x01, 0x00, 0x00})...)
	wire = append(wire, 0xC4)
	wire = append(wire, 0x27, 0x01, 0x00, 0x00)

	msgs, err := dec.Feed(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	second, ok := msgs[1].(*rtmpmsg.Video)
	require.True(t, ok)
	assert.Equal(t, uint32(100), second.Timestamp)
	assert.True(t, second.Absolute)
	assert.Equal(t, uint32(1), second.StreamID)
	assert.Equal(t, []byte{0x27, 0x01, 0x00, 0x00}, second.Payload)
	assert.Equal(t, 5, second.InboundSize)
}

func TestChunkFormat0DoesNotLeakState(t *testing.T) {
	dec := NewChunkDecoder()

	var wire []byte
	wire = append(wire, fmt0Chunk(4, 100, rtmpmsg.TypeVideo, 1, []byte{0x17, 0x01, 0x00, 0x00})...)
	wire = append(wire, fmt0Chunk(4, 5, rtmpmsg.TypeAudio, 0, []byte{0xAF, 0x01})...)

	msgs, err := dec.Feed(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	audio, ok := msgs[1].(*rtmpmsg.Audio)
	require.True(t, ok)
	assert.Equal(t, uint32(5), audio.Timestamp)
	assert.Equal(t, uint32(0), audio.StreamID)
	assert.Equal(t, []byte{0xAF, 0x01}, audio.Payload)
}

func TestChunkFormat1CarriesDelta(t *testing.T) {
	dec := NewChunkDecoder()

	var wire []byte
	wire = append(wire, fmt0Chunk(6, 1000, rtmpmsg.TypeAudio, 1, []byte{0xAF, 0x01, 0x10})...)
	// format 1: delta 40, length 2, audio
	wire = append(wire, 0x46, 0x00, 0x00, 0x28, 0x00, 0x00, 0x02, byte(rtmpmsg.TypeAudio), 0xAF, 0x01)
	// format 2: delta 20, inherits length and type
	wire = append(wire, 0x86, 0x00, 0x00, 0x14, 0xAF, 0x01)

	msgs, err := dec.Feed(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	second := msgs[1].Header()
	assert.False(t, second.Absolute)
	assert.Equal(t, uint32(40), second.TimestampDelta)
	assert.Equal(t, uint32(1), second.StreamID)

	third := msgs[2].(*rtmpmsg.Audio)
	assert.False(t, third.Absolute)
	assert.Equal(t, uint32(20), third.TimestampDelta)
	assert.Equal(t, []byte{0xAF, 0x01}, third.Payload)
}

func TestChunkStreamIDExtension(t *testing.T) {
	for _, csid := range []uint32{3, 63, 64, 74, 319, 320, 336, 65599} {
		dec := NewChunkDecoder()
		wire := fmt0Chunk(csid, 7, rtmpmsg.TypeAudio, 1, []byte{0xAF, 0x01})

		msgs, err := dec.Feed(wire)
		require.NoError(t, err, "csid %d", csid)
		require.Len(t, msgs, 1, "csid %d", csid)
		assert.Equal(t, uint32(7), msgs[0].Header().Timestamp)
		_, ok := dec.channels[csid]
		assert.True(t, ok, "csid %d", csid)
	}
}

func TestChunkExtendedTimestamp(t *testing.T) {
	enc := NewChunkEncoder()
	dec := NewChunkDecoder()

	audio := &rtmpmsg.Audio{Payload: bytes.Repeat([]byte{0xAF}, 200)}
	audio.Timestamp = 0x01000000

	wire, err := enc.Encode(audio)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF}, wire[1:4])
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, wire[12:16])

	msgs, err := dec.Feed(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(0x01000000), msgs[0].Header().Timestamp)
	assert.Equal(t, audio.Payload, msgs[0].(*rtmpmsg.Audio).Payload)
}

func TestChunkPartialFeed(t *testing.T) {
	enc := NewChunkEncoder()
	dec := NewChunkDecoder()

	video := &rtmpmsg.Video{Payload: bytes.Repeat([]byte{0x17, 0x01, 0x02}, 100)}
	video.Timestamp = 33
	wire, err := enc.Encode(video)
	require.NoError(t, err)

	var got []rtmpmsg.Message
	for i := range wire {
		msgs, err := dec.Feed(wire[i : i+1])
		require.NoError(t, err)
		got = append(got, msgs...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, video.Payload, got[0].(*rtmpmsg.Video).Payload)
}

func TestChunkInterleavedChannels(t *testing.T) {
	enc := NewChunkEncoder()
	dec := NewChunkDecoder()

	audio := &rtmpmsg.Audio{Payload: bytes.Repeat([]byte{0xAF}, 200)}
	video := &rtmpmsg.Video{Payload: bytes.Repeat([]byte{0x27}, 10)}
	audioWire, err := enc.Encode(audio)
	require.NoError(t, err)
	videoWire, err := enc.Encode(video)
	require.NoError(t, err)

	// first audio chunk, the whole video message, then the audio continuation
	split := 12 + DefaultChunkSize
	var wire []byte
	wire = append(wire, audioWire[:split]...)
	wire = append(wire, videoWire...)
	wire = append(wire, audioWire[split:]...)

	msgs, err := dec.Feed(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.IsType(t, &rtmpmsg.Video{}, msgs[0])
	assert.IsType(t, &rtmpmsg.Audio{}, msgs[1])
	assert.Equal(t, audio.Payload, msgs[1].(*rtmpmsg.Audio).Payload)
}

func TestChunkSetChunkSize(t *testing.T) {
	enc := NewChunkEncoder()
	dec := NewChunkDecoder()

	scs, err := enc.Encode(&rtmpmsg.SetChunkSize{Size: 4096})
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), enc.ChunkSize())

	video := &rtmpmsg.Video{Payload: bytes.Repeat([]byte{0x27}, 3000)}
	videoWire, err := enc.Encode(video)
	require.NoError(t, err)
	assert.Len(t, videoWire, 12+3000, "no continuation headers at 4096")

	msgs, err := dec.Feed(append(scs, videoWire...))
	require.NoError(t, err)
	require.Len(t, msgs, 2, "set chunk size is applied and still delivered")
	assert.Equal(t, len(scs), msgs[0].Header().InboundSize)
	assert.Equal(t, uint32(4096), dec.ChunkSize())
	assert.Equal(t, video.Payload, msgs[1].(*rtmpmsg.Video).Payload)
}

func TestChunkProtocolViolations(t *testing.T) {
	t.Run("continuation without header", func(t *testing.T) {
		_, err := NewChunkDecoder().Feed([]byte{0x44, 0, 0, 0, 0, 0, 2, 8})
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("zero chunk size", func(t *testing.T) {
		wire := fmt0Chunk(2, 0, rtmpmsg.TypeSetChunkSize, 0, []byte{0, 0, 0, 0})
		_, err := NewChunkDecoder().Feed(wire)
		assert.ErrorIs(t, err, ErrProtocol)
	})

	t.Run("amf3 command", func(t *testing.T) {
		wire := fmt0Chunk(3, 0, rtmpmsg.TypeCommandAMF3, 0, []byte{0x00, 0x02, 0x00, 0x01, 'x'})
		_, err := NewChunkDecoder().Feed(wire)
		assert.ErrorIs(t, err, rtmpmsg.ErrUnsupportedEncoding)
	})
}

func TestChunkUnknownTypeDelivered(t *testing.T) {
	dec := NewChunkDecoder()
	unknown := fmt0Chunk(3, 0, rtmpmsg.TypeID(22), 0, []byte{1, 2, 3})
	var wire []byte
	wire = append(wire, unknown...)
	wire = append(wire, fmt0Chunk(4, 0, rtmpmsg.TypeAudio, 1, []byte{0xAF, 0x01})...)

	msgs, err := dec.Feed(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.IsType(t, &rtmpmsg.Unknown{}, msgs[0])
	assert.Equal(t, len(unknown), msgs[0].Header().InboundSize)
	assert.IsType(t, &rtmpmsg.Audio{}, msgs[1])
}

func TestChunkAbortDiscardsPartialMessage(t *testing.T) {
	dec := NewChunkDecoder()

	// first chunk of a 200 byte video message on csid 6
	partial := fmt0Chunk(6, 0, rtmpmsg.TypeVideo, 1, bytes.Repeat([]byte{0x27}, 200))[:12+DefaultChunkSize]
	msgs, err := dec.Feed(partial)
	require.NoError(t, err)
	require.Empty(t, msgs)

	abort := fmt0Chunk(2, 0, rtmpmsg.TypeAbort, 0, []byte{0, 0, 0, 6})
	msgs, err = dec.Feed(abort)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(6), msgs[0].(*rtmpmsg.Abort).ChunkStream)
	assert.Equal(t, len(abort)+len(partial), msgs[0].Header().InboundSize, "discarded bytes are still counted")

	// a fresh message on the aborted stream decodes from scratch
	msgs, err = dec.Feed(fmt0Chunk(6, 40, rtmpmsg.TypeVideo, 1, []byte{0x17, 0x01}))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte{0x17, 0x01}, msgs[0].(*rtmpmsg.Video).Payload)
}

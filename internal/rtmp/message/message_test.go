package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liverelay/internal/amf"
)

func TestControlMessagesDecode(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"set chunk size", &SetChunkSize{Size: 4096}},
		{"abort", &Abort{ChunkStream: 6}},
		{"acknowledgement", &Acknowledgement{SequenceNumber: 1000}},
		{"window ack size", &WindowAckSize{Size: 5000000}},
		{"peer bandwidth", &SetPeerBandwidth{Size: 5000000, LimitType: LimitSoft}},
		{"stream begin", StreamBegin(DefaultStreamID)},
		{"set buffer length", &UserControl{Event: EventSetBufferLength, Data: 1, Extra: []byte{0, 0, 0x0B, 0xB8}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ChunkStreamControl, tt.msg.ChunkStreamID())

			payload, err := tt.msg.EncodePayload()
			require.NoError(t, err)

			got, err := Decode(tt.msg.TypeID(), payload)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestDecodeShortControlPayload(t *testing.T) {
	_, err := Decode(TypeWindowAckSize, []byte{0x00, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(TypeUserControl, []byte{0x00})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCommandDecode(t *testing.T) {
	payload, err := amf.Encode("publish", 5.0, nil, "mystream", "live")
	require.NoError(t, err)

	msg, err := Decode(TypeCommandAMF0, payload)
	require.NoError(t, err)

	cmd, ok := msg.(*Command)
	require.True(t, ok)
	assert.Equal(t, "publish", cmd.Name)
	assert.Equal(t, 5.0, cmd.TransactionID)
	assert.Equal(t, []any{nil, "mystream", "live"}, cmd.Args)
	assert.Equal(t, "mystream", cmd.Arg(1))
	assert.Nil(t, cmd.Arg(7))
	assert.Equal(t, ChunkStreamCommand, cmd.ChunkStreamID())
}

func TestCommandWithoutTransactionID(t *testing.T) {
	payload, err := amf.Encode("@setDataFrame", "onMetaData")
	require.NoError(t, err)

	msg, err := Decode(TypeCommandAMF0, payload)
	require.NoError(t, err)

	cmd := msg.(*Command)
	assert.Equal(t, 0.0, cmd.TransactionID)
	assert.Equal(t, []any{"onMetaData"}, cmd.Args)
}

func TestCommandRejectsNonStringName(t *testing.T) {
	payload, err := amf.Encode(1.0, 2.0)
	require.NoError(t, err)

	_, err = Decode(TypeCommandAMF0, payload)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestOnStatusPayload(t *testing.T) {
	status := OnStatus("status", "NetStream.Play.Start", "Start live")
	assert.Equal(t, DefaultStreamID, status.StreamID)

	payload, err := status.EncodePayload()
	require.NoError(t, err)

	values, err := amf.DecodeAll(payload)
	require.NoError(t, err)
	require.Len(t, values, 4)
	assert.Equal(t, "onStatus", values[0])
	assert.Equal(t, 0.0, values[1])
	assert.Nil(t, values[2])

	info := values[3].(*amf.Object)
	code, _ := info.GetString("code")
	assert.Equal(t, "NetStream.Play.Start", code)
	assert.Equal(t, []string{"level", "code", "description"}, info.Keys())
}

func TestDataName(t *testing.T) {
	payload, err := amf.Encode("@setDataFrame", "onMetaData", &amf.ECMAArray{Object: *amf.NewObject("width", 1280.0)})
	require.NoError(t, err)

	msg, err := Decode(TypeDataAMF0, payload)
	require.NoError(t, err)

	data := msg.(*Data)
	assert.Equal(t, "@setDataFrame", data.Name())
	assert.Equal(t, ChunkStreamData, data.ChunkStreamID())
	assert.Equal(t, "", (&Data{}).Name())
}

func TestMediaHelpers(t *testing.T) {
	config := &Video{Payload: []byte{0x17, 0x00, 0x00, 0x00, 0x00, 0x01}}
	assert.True(t, config.IsKeyFrame())
	assert.True(t, config.IsDecoderConfig())

	nalu := &Video{Payload: []byte{0x17, 0x01, 0x00, 0x00, 0x00}}
	assert.True(t, nalu.IsKeyFrame())
	assert.False(t, nalu.IsDecoderConfig())

	inter := &Video{Payload: []byte{0x27, 0x01, 0x00}}
	assert.False(t, inter.IsKeyFrame())

	aacHeader := &Audio{Payload: []byte{0xAF, 0x00, 0x12, 0x10}}
	assert.True(t, aacHeader.IsSequenceHeader())
	assert.False(t, (&Audio{Payload: []byte{0xAF, 0x01, 0x21}}).IsSequenceHeader())
}

func TestUnknownAndAMF3Types(t *testing.T) {
	msg, err := Decode(TypeID(22), []byte{0x01})
	require.NoError(t, err)
	unknown, ok := msg.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, TypeID(22), unknown.TypeID())
	assert.Equal(t, []byte{0x01}, unknown.Payload)

	_, err = Decode(TypeDataAMF3, []byte{0x00})
	assert.ErrorIs(t, err, ErrUnsupportedEncoding)
}

// Package message defines the closed set of RTMP messages carried by the
// chunk stream, together with their wire payload encoding.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"liverelay/internal/amf"
)

// TypeID is the RTMP message type id
type TypeID uint8

const (
	TypeSetChunkSize     TypeID = 1
	TypeAbort            TypeID = 2
	TypeAcknowledgement  TypeID = 3
	TypeUserControl      TypeID = 4
	TypeWindowAckSize    TypeID = 5
	TypeSetPeerBandwidth TypeID = 6
	TypeAudio            TypeID = 8
	TypeVideo            TypeID = 9
	TypeDataAMF3         TypeID = 15
	TypeCommandAMF3      TypeID = 17
	TypeDataAMF0         TypeID = 18
	TypeCommandAMF0      TypeID = 20
)

// Outbound chunk stream ids
const (
	ChunkStreamControl uint32 = 2
	ChunkStreamCommand uint32 = 3
	ChunkStreamData    uint32 = 5
	ChunkStreamAudio   uint32 = 10
	ChunkStreamVideo   uint32 = 12
)

// DefaultStreamID is the message stream id handed out by createStream
const DefaultStreamID uint32 = 1

var (
	ErrMalformed           = errors.New("message: malformed payload")
	ErrUnsupportedEncoding = errors.New("message: unsupported object encoding")
)

// Meta is the routing and timing information shared by all messages
type Meta struct {
	Timestamp      uint32
	TimestampDelta uint32
	// Absolute reports whether Timestamp is authoritative. Messages started
	// with a format 1 or 2 chunk header only carry TimestampDelta.
	Absolute    bool
	StreamID    uint32
	InboundSize int
}

// Header returns the message metadata
func (m *Meta) Header() *Meta { return m }

func (m *Meta) isMessage() {}

// Message is implemented by every message variant
type Message interface {
	ChunkStreamID() uint32
	TypeID() TypeID
	EncodePayload() ([]byte, error)
	Header() *Meta

	isMessage()
}

// SetChunkSize changes the sender's maximum chunk payload size
type SetChunkSize struct {
	Meta
	Size uint32
}

func (*SetChunkSize) ChunkStreamID() uint32 { return ChunkStreamControl }
func (*SetChunkSize) TypeID() TypeID        { return TypeSetChunkSize }

func (m *SetChunkSize) EncodePayload() ([]byte, error) {
	return be32(m.Size & 0x7FFFFFFF), nil
}

// Abort discards a partially received message on a chunk stream
type Abort struct {
	Meta
	ChunkStream uint32
}

func (*Abort) ChunkStreamID() uint32 { return ChunkStreamControl }
func (*Abort) TypeID() TypeID        { return TypeAbort }

func (m *Abort) EncodePayload() ([]byte, error) {
	return be32(m.ChunkStream), nil
}

// Unknown carries a message of a type this server does not interpret. It is
// still delivered so its bytes count toward the acknowledgement window.
type Unknown struct {
	Meta
	Type    TypeID
	Payload []byte
}

func (*Unknown) ChunkStreamID() uint32 { return ChunkStreamControl }
func (m *Unknown) TypeID() TypeID      { return m.Type }

func (m *Unknown) EncodePayload() ([]byte, error) {
	return m.Payload, nil
}

// Acknowledgement reports the number of bytes received so far
type Acknowledgement struct {
	Meta
	SequenceNumber uint32
}

func (*Acknowledgement) ChunkStreamID() uint32 { return ChunkStreamControl }
func (*Acknowledgement) TypeID() TypeID        { return TypeAcknowledgement }

func (m *Acknowledgement) EncodePayload() ([]byte, error) {
	return be32(m.SequenceNumber), nil
}

// WindowAckSize sets the window after which the peer expects an acknowledgement
type WindowAckSize struct {
	Meta
	Size uint32
}

func (*WindowAckSize) ChunkStreamID() uint32 { return ChunkStreamControl }
func (*WindowAckSize) TypeID() TypeID        { return TypeWindowAckSize }

func (m *WindowAckSize) EncodePayload() ([]byte, error) {
	return be32(m.Size), nil
}

// Peer bandwidth limit types
const (
	LimitHard    uint8 = 0
	LimitSoft    uint8 = 1
	LimitDynamic uint8 = 2
)

// SetPeerBandwidth limits the peer's output bandwidth
type SetPeerBandwidth struct {
	Meta
	Size      uint32
	LimitType uint8
}

func (*SetPeerBandwidth) ChunkStreamID() uint32 { return ChunkStreamControl }
func (*SetPeerBandwidth) TypeID() TypeID        { return TypeSetPeerBandwidth }

func (m *SetPeerBandwidth) EncodePayload() ([]byte, error) {
	return append(be32(m.Size), m.LimitType), nil
}

// User control event types
const (
	EventStreamBegin     uint16 = 0
	EventStreamEOF       uint16 = 1
	EventStreamDry       uint16 = 2
	EventSetBufferLength uint16 = 3
)

// UserControl carries a stream-level user control event
type UserControl struct {
	Meta
	Event uint16
	Data  uint32
	// Extra holds trailing event data, e.g. the buffer length of a
	// set-buffer-length event.
	Extra []byte
}

func (*UserControl) ChunkStreamID() uint32 { return ChunkStreamControl }
func (*UserControl) TypeID() TypeID        { return TypeUserControl }

func (m *UserControl) EncodePayload() ([]byte, error) {
	b := make([]byte, 6, 6+len(m.Extra))
	binary.BigEndian.PutUint16(b, m.Event)
	binary.BigEndian.PutUint32(b[2:], m.Data)
	return append(b, m.Extra...), nil
}

// StreamBegin notifies the client that a stream became functional
func StreamBegin(streamID uint32) *UserControl {
	return &UserControl{Event: EventStreamBegin, Data: streamID}
}

// StreamEOF notifies the client that playback of a stream is over
func StreamEOF(streamID uint32) *UserControl {
	return &UserControl{Event: EventStreamEOF, Data: streamID}
}

// Audio is an FLV audio payload
type Audio struct {
	Meta
	Payload []byte
}

func (*Audio) ChunkStreamID() uint32 { return ChunkStreamAudio }
func (*Audio) TypeID() TypeID        { return TypeAudio }

func (m *Audio) EncodePayload() ([]byte, error) { return m.Payload, nil }

// IsSequenceHeader reports whether the payload is an AAC AudioSpecificConfig
func (m *Audio) IsSequenceHeader() bool {
	return len(m.Payload) > 1 && m.Payload[1] == 0x00
}

// Video is an FLV video payload
type Video struct {
	Meta
	Payload []byte
}

func (*Video) ChunkStreamID() uint32 { return ChunkStreamVideo }
func (*Video) TypeID() TypeID        { return TypeVideo }

func (m *Video) EncodePayload() ([]byte, error) { return m.Payload, nil }

// IsKeyFrame reports whether the payload is an H.264 key frame
func (m *Video) IsKeyFrame() bool {
	return len(m.Payload) > 1 && m.Payload[0] == 0x17
}

// IsDecoderConfig reports whether the payload is an AVC decoder configuration record
func (m *Video) IsDecoderConfig() bool {
	return m.IsKeyFrame() && len(m.Payload) > 2 && m.Payload[1] == 0x00
}

// Media is implemented by Audio and Video
type Media interface {
	Message
	Bytes() []byte
}

func (m *Audio) Bytes() []byte { return m.Payload }
func (m *Video) Bytes() []byte { return m.Payload }

// Command is an AMF0 command: name, transaction id and arguments
type Command struct {
	Meta
	Name          string
	TransactionID float64
	Args          []any
}

func (*Command) ChunkStreamID() uint32 { return ChunkStreamCommand }
func (*Command) TypeID() TypeID        { return TypeCommandAMF0 }

func (m *Command) EncodePayload() ([]byte, error) {
	values := make([]any, 0, len(m.Args)+2)
	values = append(values, m.Name, m.TransactionID)
	values = append(values, m.Args...)
	return amf.Encode(values...)
}

// Arg returns the i-th argument after the transaction id, or nil
func (m *Command) Arg(i int) any {
	if i < 0 || i >= len(m.Args) {
		return nil
	}
	return m.Args[i]
}

// OnStatus builds a NetStream onStatus command
func OnStatus(level, code, description string) *Command {
	return &Command{
		Meta: Meta{StreamID: DefaultStreamID},
		Name: "onStatus",
		Args: []any{
			nil,
			amf.NewObject("level", level, "code", code, "description", description),
		},
	}
}

// Data is an AMF0 data message such as @setDataFrame or onMetaData
type Data struct {
	Meta
	Values []any
}

func (*Data) ChunkStreamID() uint32 { return ChunkStreamData }
func (*Data) TypeID() TypeID        { return TypeDataAMF0 }

func (m *Data) EncodePayload() ([]byte, error) {
	return amf.Encode(m.Values...)
}

// Name returns the leading string value of the data message
func (m *Data) Name() string {
	if len(m.Values) == 0 {
		return ""
	}
	s, _ := m.Values[0].(string)
	return s
}

// Decode builds a message from a reassembled payload. Unknown type ids
// return a nil message and no error.
func Decode(typeID TypeID, payload []byte) (Message, error) {
	switch typeID {
	case TypeSetChunkSize:
		n, err := u32(payload)
		if err != nil {
			return nil, err
		}
		return &SetChunkSize{Size: n & 0x7FFFFFFF}, nil
	case TypeAbort:
		n, err := u32(payload)
		if err != nil {
			return nil, err
		}
		return &Abort{ChunkStream: n}, nil
	case TypeAcknowledgement:
		n, err := u32(payload)
		if err != nil {
			return nil, err
		}
		return &Acknowledgement{SequenceNumber: n}, nil
	case TypeWindowAckSize:
		n, err := u32(payload)
		if err != nil {
			return nil, err
		}
		return &WindowAckSize{Size: n}, nil
	case TypeSetPeerBandwidth:
		if len(payload) < 5 {
			return nil, fmt.Errorf("%w: set peer bandwidth length %d", ErrMalformed, len(payload))
		}
		return &SetPeerBandwidth{Size: binary.BigEndian.Uint32(payload), LimitType: payload[4]}, nil
	case TypeUserControl:
		if len(payload) < 6 {
			return nil, fmt.Errorf("%w: user control length %d", ErrMalformed, len(payload))
		}
		uc := &UserControl{
			Event: binary.BigEndian.Uint16(payload),
			Data:  binary.BigEndian.Uint32(payload[2:]),
		}
		if len(payload) > 6 {
			uc.Extra = append([]byte(nil), payload[6:]...)
		}
		return uc, nil
	case TypeAudio:
		return &Audio{Payload: payload}, nil
	case TypeVideo:
		return &Video{Payload: payload}, nil
	case TypeDataAMF0:
		values, err := amf.DecodeAll(payload)
		if err != nil {
			return nil, fmt.Errorf("data message: %w", err)
		}
		return &Data{Values: values}, nil
	case TypeCommandAMF0:
		values, err := amf.DecodeAll(payload)
		if err != nil {
			return nil, fmt.Errorf("command message: %w", err)
		}
		return newCommand(values)
	case TypeDataAMF3, TypeCommandAMF3:
		return nil, fmt.Errorf("%w: message type %d", ErrUnsupportedEncoding, typeID)
	default:
		return &Unknown{Type: typeID, Payload: payload}, nil
	}
}

func newCommand(values []any) (*Command, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrMalformed)
	}
	name, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: command name is %T", ErrMalformed, values[0])
	}
	cmd := &Command{Name: name}
	rest := values[1:]
	if len(rest) > 0 {
		if txID, ok := rest[0].(float64); ok {
			cmd.TransactionID = txID
			rest = rest[1:]
		}
	}
	cmd.Args = rest
	return cmd, nil
}

func be32(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

func u32(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("%w: expected 4 bytes, got %d", ErrMalformed, len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

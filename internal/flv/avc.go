package flv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortPayload is returned when a media payload is too short for its header
var ErrShortPayload = errors.New("flv: payload too short")

// Video codec ids
const (
	CodecH263 uint8 = 2
	CodecVP6  uint8 = 4
	CodecAVC  uint8 = 7
	CodecHEVC uint8 = 12
)

// Video frame types
const (
	FrameKey        uint8 = 1
	FrameInter      uint8 = 2
	FrameDisposable uint8 = 3
)

// AVC packet types
const (
	AVCSequenceHeader uint8 = 0
	AVCNALU           uint8 = 1
	AVCEndOfSequence  uint8 = 2
)

// VideoHeader is the header of an FLV video payload
type VideoHeader struct {
	FrameType       uint8
	CodecID         uint8
	AVCPacketType   uint8
	CompositionTime int32
	// Data is the payload after the header: the decoder configuration
	// record for sequence headers, length-prefixed NAL units otherwise.
	Data []byte
}

// IsKeyFrame reports whether the frame is decodable on its own
func (h VideoHeader) IsKeyFrame() bool { return h.FrameType == FrameKey }

// IsSequenceHeader reports whether Data is an AVC decoder configuration record
func (h VideoHeader) IsSequenceHeader() bool {
	return h.CodecID == CodecAVC && h.AVCPacketType == AVCSequenceHeader
}

// ParseVideoHeader splits an FLV video payload into its header fields and data
func ParseVideoHeader(data []byte) (VideoHeader, error) {
	if len(data) < 1 {
		return VideoHeader{}, ErrShortPayload
	}

	h := VideoHeader{
		FrameType: (data[0] >> 4) & 0x0F,
		CodecID:   data[0] & 0x0F,
	}
	if h.CodecID != CodecAVC {
		h.Data = data[1:]
		return h, nil
	}

	if len(data) < 5 {
		return h, fmt.Errorf("%w: avc video packet of %d bytes", ErrShortPayload, len(data))
	}
	h.AVCPacketType = data[1]
	// composition time is a signed 24-bit value
	ct := int32(data[2])<<16 | int32(data[3])<<8 | int32(data[4])
	if ct&0x800000 != 0 {
		ct -= 1 << 24
	}
	h.CompositionTime = ct
	h.Data = data[5:]
	return h, nil
}

// AVCDecoderConfigurationRecord is the AVCC record sent in the first video
// packet of an H.264 stream.
type AVCDecoderConfigurationRecord struct {
	ConfigurationVersion uint8
	AVCProfileIndication uint8
	ProfileCompatibility uint8
	AVCLevelIndication   uint8
	NALUnitLength        uint8
	SPS                  [][]byte
	PPS                  [][]byte
}

// ProfileName returns the H.264 profile name
func (r *AVCDecoderConfigurationRecord) ProfileName() string {
	switch r.AVCProfileIndication {
	case 66:
		return "Baseline"
	case 77:
		return "Main"
	case 88:
		return "Extended"
	case 100:
		return "High"
	case 110:
		return "High 10"
	case 122:
		return "High 4:2:2"
	case 244:
		return "High 4:4:4"
	default:
		return fmt.Sprintf("Profile %d", r.AVCProfileIndication)
	}
}

// Level returns the level as a decimal string, e.g. "3.1"
func (r *AVCDecoderConfigurationRecord) Level() string {
	return fmt.Sprintf("%d.%d", r.AVCLevelIndication/10, r.AVCLevelIndication%10)
}

// ParseAVCDecoderConfigurationRecord parses the AVCC record of an AVC sequence header
func ParseAVCDecoderConfigurationRecord(data []byte) (*AVCDecoderConfigurationRecord, error) {
	if len(data) < 7 {
		return nil, fmt.Errorf("%w: avc decoder configuration record of %d bytes", ErrShortPayload, len(data))
	}

	record := &AVCDecoderConfigurationRecord{}
	r := bytes.NewReader(data)

	var fixed [5]uint8
	if err := binary.Read(r, binary.BigEndian, &fixed); err != nil {
		return nil, err
	}
	record.ConfigurationVersion = fixed[0]
	record.AVCProfileIndication = fixed[1]
	record.ProfileCompatibility = fixed[2]
	record.AVCLevelIndication = fixed[3]
	// reserved (6 bits) + lengthSizeMinusOne (2 bits)
	record.NALUnitLength = (fixed[4] & 0x03) + 1

	var numOfSPS uint8
	if err := binary.Read(r, binary.BigEndian, &numOfSPS); err != nil {
		return nil, err
	}
	sps, err := readParameterSets(r, int(numOfSPS&0x1F))
	if err != nil {
		return nil, fmt.Errorf("read SPS: %w", err)
	}
	record.SPS = sps

	var numOfPPS uint8
	if err := binary.Read(r, binary.BigEndian, &numOfPPS); err != nil {
		return nil, err
	}
	pps, err := readParameterSets(r, int(numOfPPS))
	if err != nil {
		return nil, fmt.Errorf("read PPS: %w", err)
	}
	record.PPS = pps

	return record, nil
}

func readParameterSets(r *bytes.Reader, n int) ([][]byte, error) {
	sets := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		var length uint16
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		if int(length) > r.Len() {
			return nil, fmt.Errorf("%w: parameter set %d wants %d bytes, %d left", ErrShortPayload, i, length, r.Len())
		}
		set := make([]byte, length)
		if _, err := r.Read(set); err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// AudioHeader is the first byte of an FLV audio payload
type AudioHeader struct {
	SoundFormat uint8
	SampleRate  int
	SampleSize  int
	Channels    int
}

// Sound formats
const (
	SoundMP3   uint8 = 2
	SoundSpeex uint8 = 11
	SoundAAC   uint8 = 10
)

var sampleRates = [4]int{5500, 11025, 22050, 44100}

// ParseAudioHeader decodes the sound format byte of an FLV audio payload
func ParseAudioHeader(data []byte) (AudioHeader, error) {
	if len(data) < 1 {
		return AudioHeader{}, ErrShortPayload
	}
	b := data[0]
	h := AudioHeader{
		SoundFormat: b >> 4,
		SampleRate:  sampleRates[(b>>2)&0x03],
		SampleSize:  8,
		Channels:    1,
	}
	if b&0x02 != 0 {
		h.SampleSize = 16
	}
	if b&0x01 != 0 {
		h.Channels = 2
	}
	return h, nil
}

// AudioCodecName returns a readable name for an FLV sound format
func AudioCodecName(format uint8) string {
	switch format {
	case 0:
		return "PCM"
	case 1:
		return "ADPCM"
	case SoundMP3:
		return "MP3"
	case 3:
		return "PCM-LE"
	case 7:
		return "G.711 A-law"
	case 8:
		return "G.711 mu-law"
	case SoundAAC:
		return "AAC"
	case SoundSpeex:
		return "Speex"
	default:
		return fmt.Sprintf("format %d", format)
	}
}

// VideoCodecName returns a readable name for an FLV video codec id
func VideoCodecName(codecID uint8) string {
	switch codecID {
	case CodecH263:
		return "H.263"
	case CodecVP6:
		return "VP6"
	case CodecAVC:
		return "H.264"
	case CodecHEVC:
		return "H.265"
	default:
		return fmt.Sprintf("codec %d", codecID)
	}
}

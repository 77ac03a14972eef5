// Package flv writes the FLV container used for recordings and HTTP-FLV
// playback, and parses the codec headers carried in FLV audio/video payloads.
package flv

import (
	"encoding/binary"
	"fmt"

	"liverelay/internal/amf"
)

// TagType is the FLV tag type
type TagType uint8

const (
	TagAudio  TagType = 8
	TagVideo  TagType = 9
	TagScript TagType = 18
)

const (
	tagHeaderSize = 11
	maxDataSize   = 0xFFFFFF
)

var header = []byte{
	'F', 'L', 'V', 0x01,
	0x05,                   // audio + video
	0x00, 0x00, 0x00, 0x09, // header length
	0x00, 0x00, 0x00, 0x00, // PreviousTagSize0
}

// Header returns the 9-byte file header followed by the zero PreviousTagSize0
func Header() []byte {
	return append([]byte(nil), header...)
}

// EncodeTag frames payload as one FLV tag including its trailing size field
func EncodeTag(t TagType, timestamp uint32, payload []byte) ([]byte, error) {
	if len(payload) > maxDataSize {
		return nil, fmt.Errorf("flv: tag payload too large (%d bytes)", len(payload))
	}

	n := len(payload)
	b := make([]byte, tagHeaderSize+n+4)
	b[0] = byte(t)
	b[1] = byte(n >> 16)
	b[2] = byte(n >> 8)
	b[3] = byte(n)
	b[4] = byte(timestamp >> 16)
	b[5] = byte(timestamp >> 8)
	b[6] = byte(timestamp)
	b[7] = byte(timestamp >> 24)
	// stream id, always zero
	copy(b[tagHeaderSize:], payload)
	binary.BigEndian.PutUint32(b[tagHeaderSize+n:], uint32(n+tagHeaderSize))
	return b, nil
}

// EncodeMetadataTag builds the onMetaData script tag
func EncodeMetadataTag(meta *amf.Object, timestamp uint32) ([]byte, error) {
	arr := &amf.ECMAArray{}
	if meta != nil {
		arr.Object = *meta.Clone()
	}
	payload, err := amf.Encode("onMetaData", arr)
	if err != nil {
		return nil, fmt.Errorf("flv: encode metadata: %w", err)
	}
	return EncodeTag(TagScript, timestamp, payload)
}

// FileHeader returns the file header followed by the metadata tag, which is
// what every recording and HTTP-FLV response starts with.
func FileHeader(meta *amf.Object, timestamp uint32) ([]byte, error) {
	tag, err := EncodeMetadataTag(meta, timestamp)
	if err != nil {
		return nil, err
	}
	return append(Header(), tag...), nil
}

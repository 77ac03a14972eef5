package models

import (
	"strings"
	"time"
)

// StreamName identifies a live stream by application and stream name. It is
// the registry key and never changes after publish.
type StreamName struct {
	App  string
	Name string
}

// String returns "app/name"
func (n StreamName) String() string {
	return n.App + "/" + n.Name
}

// FileName returns the recording file name for the stream
func (n StreamName) FileName() string {
	return sanitize(n.App) + "_" + sanitize(n.Name) + ".flv"
}

// Complete reports whether both parts are set
func (n StreamName) Complete() bool {
	return n.App != "" && n.Name != ""
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "-", "\\", "-", "..", "-").Replace(s)
}

// StreamState represents the current state of a stream
type StreamState string

const (
	StreamStateLive    StreamState = "live"
	StreamStateStopped StreamState = "stopped"
)

// StreamStats tracks stream statistics
type StreamStats struct {
	BytesReceived      uint64    // Total media bytes received from publisher
	FramesReceived     uint64    // Total audio and video messages
	KeyFramesReceived  uint64    // Total keyframes received
	DroppedSubscribers uint64    // Subscribers removed after a failed write
	LastFrameTime      time.Time // Time of last frame received
}

// CodecInfo describes a codec as parsed from the stream's sequence headers
type CodecInfo struct {
	Codec      string // "H.264", "AAC", etc.
	Profile    string // H.264 profile name
	Level      string // H.264 level, e.g. "3.1"
	SampleRate int    // Audio sample rate
	Channels   int    // Audio channels
}

// StreamListItem is one entry of the stream list endpoint
type StreamListItem struct {
	Application string `json:"application"`
	Stream      string `json:"stream"`
}

// StreamInfo represents stream details returned by the API
type StreamInfo struct {
	Application    string         `json:"application"`
	Stream         string         `json:"stream"`
	State          string         `json:"state"`
	PublisherIP    string         `json:"publisherIp,omitempty"`
	StartedAt      string         `json:"startedAt,omitempty"`
	Duration       int            `json:"duration,omitempty"` // seconds
	RTMPViewers    int            `json:"rtmpViewers"`
	FLVViewers     int            `json:"flvViewers"`
	OBS            bool           `json:"obs"`
	VideoCodec     string         `json:"videoCodec,omitempty"`
	VideoProfile   string         `json:"videoProfile,omitempty"`
	AudioCodec     string         `json:"audioCodec,omitempty"`
	GOPLength      int            `json:"gopLength"`
	FramesReceived uint64         `json:"framesReceived"`
	BytesReceived  uint64         `json:"bytesReceived"`
	KeyFrames      uint64         `json:"keyFrames"`
	Dropped        uint64         `json:"droppedSubscribers"`
	Recording      string         `json:"recording,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RecordingListResponse represents the recordings list
type RecordingListResponse struct {
	Recordings []string `json:"recordings"`
	Total      int      `json:"total"`
}

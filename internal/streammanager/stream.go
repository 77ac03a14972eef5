package streammanager

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"liverelay/internal/amf"
	"liverelay/internal/flv"
	"liverelay/internal/metrics"
	rtmpmsg "liverelay/internal/rtmp/message"
	"liverelay/internal/storage"
	"liverelay/pkg/models"
)

// ErrStreamClosed is returned when joining a stream that has been torn down
var ErrStreamClosed = errors.New("stream closed")

// RTMPSubscriber receives media as RTMP messages. WriteBatch delivers the
// join replay as a single unit so it is not limited by the live queue bound.
type RTMPSubscriber interface {
	WriteMessage(msg rtmpmsg.Message) error
	WriteBatch(msgs []rtmpmsg.Message) error
	Active() bool
	Close() error
}

// FLVSubscriber receives media as FLV bytes
type FLVSubscriber interface {
	WriteFLV(b []byte) error
	Active() bool
	Close() error
}

// Stream is the state of one published stream: metadata, cached sequence
// headers, the GOP cache, and the subscribers media is fanned out to.
// All mutating operations run under a single mutex so a joining subscriber
// sees a snapshot that is consistent with the media accepted so far.
type Stream struct {
	name        models.StreamName
	publisherIP string
	startedAt   time.Time
	store       storage.Storage
	metrics     *metrics.Metrics
	log         zerolog.Logger

	mu        sync.Mutex
	state     models.StreamState
	stoppedAt time.Time
	metadata  *amf.Object
	obs       bool

	decoderConfig *rtmpmsg.Video
	audioHeader   *rtmpmsg.Audio
	gop           []rtmpmsg.Media

	videoTimestamp uint32
	audioTimestamp uint32
	obsTimestamp   uint32

	rtmpSubscribers []RTMPSubscriber
	flvSubscribers  []FLVSubscriber

	recorder     io.WriteCloser
	recordFailed bool
	wroteHeader  bool

	stats      models.StreamStats
	videoCodec *models.CodecInfo
	audioCodec *models.CodecInfo
}

// NewStream creates a live stream. store may be nil to disable recording.
func NewStream(name models.StreamName, publisherIP string, store storage.Storage, m *metrics.Metrics, log zerolog.Logger) *Stream {
	return &Stream{
		name:        name,
		publisherIP: publisherIP,
		startedAt:   time.Now(),
		store:       store,
		metrics:     m,
		log:         log.With().Str("app", name.App).Str("stream", name.Name).Logger(),
		state:       models.StreamStateLive,
		metadata:    amf.NewObject(),
	}
}

// Name returns the stream identity
func (s *Stream) Name() models.StreamName {
	return s.name
}

// SetMetadata replaces the stream metadata. A metadata set written by OBS
// switches the stream to the shared-clock timestamp policy.
func (s *Stream) SetMetadata(meta *amf.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta == nil {
		meta = amf.NewObject()
	}
	s.metadata = meta

	if encoder, ok := meta.GetString("encoder"); ok && strings.Contains(strings.ToLower(encoder), "obs") {
		if !s.obs {
			s.log.Info().Str("encoder", encoder).Msg("obs encoder detected")
		}
		s.obs = true
	}
}

// Metadata returns a copy of the stream metadata
func (s *Stream) Metadata() *amf.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata.Clone()
}

// OBS reports whether the publisher was detected as OBS
func (s *Stream) OBS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.obs
}

// AcceptContent normalizes the timestamp of a media message, updates the
// caches, records it and fans it out to every subscriber.
func (s *Stream) AcceptContent(m rtmpmsg.Media) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == models.StreamStateStopped {
		return
	}

	s.normalize(m)
	s.updateStats(m)

	switch msg := m.(type) {
	case *rtmpmsg.Video:
		if msg.IsKeyFrame() {
			clear(s.gop)
			s.gop = s.gop[:0]
		}
		if msg.IsDecoderConfig() {
			s.decoderConfig = msg
			s.parseVideoCodec(msg)
		}
	case *rtmpmsg.Audio:
		if msg.IsSequenceHeader() {
			s.audioHeader = msg
			s.parseAudioCodec(msg)
		}
	}

	s.gop = append(s.gop, m)
	s.persist(m)
	s.fanOut(m)
}

// normalize fills in the absolute timestamp and the per-type delta
func (s *Stream) normalize(m rtmpmsg.Media) {
	h := m.Header()

	last := &s.audioTimestamp
	if m.TypeID() == rtmpmsg.TypeVideo {
		last = &s.videoTimestamp
	}

	if s.obs {
		// OBS sends deltas relative to the previous message of any type
		if h.Absolute {
			s.obsTimestamp = h.Timestamp
		} else {
			s.obsTimestamp += h.TimestampDelta
		}
		h.Timestamp = s.obsTimestamp
		h.TimestampDelta = s.obsTimestamp - *last
	} else if h.Absolute {
		h.TimestampDelta = h.Timestamp - *last
	} else {
		h.Timestamp = *last + h.TimestampDelta
	}

	*last = h.Timestamp
	h.Absolute = true
	h.StreamID = rtmpmsg.DefaultStreamID
}

func (s *Stream) updateStats(m rtmpmsg.Media) {
	isVideo := m.TypeID() == rtmpmsg.TypeVideo
	size := len(m.Bytes())

	s.stats.FramesReceived++
	s.stats.BytesReceived += uint64(size)
	s.stats.LastFrameTime = time.Now()
	s.metrics.RecordFrame(s.name.String(), isVideo, size)

	if v, ok := m.(*rtmpmsg.Video); ok && v.IsKeyFrame() {
		s.stats.KeyFramesReceived++
		s.metrics.RecordKeyFrame()
	}
}

func (s *Stream) parseVideoCodec(v *rtmpmsg.Video) {
	h, err := flv.ParseVideoHeader(v.Payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("unparseable video sequence header")
		return
	}
	info := &models.CodecInfo{Codec: flv.VideoCodecName(h.CodecID)}
	if record, err := flv.ParseAVCDecoderConfigurationRecord(h.Data); err == nil {
		info.Profile = record.ProfileName()
		info.Level = record.Level()
	} else {
		s.log.Debug().Err(err).Msg("unparseable avc decoder configuration record")
	}
	s.videoCodec = info
	s.log.Info().Str("codec", info.Codec).Str("profile", info.Profile).Str("level", info.Level).Msg("video sequence header cached")
}

func (s *Stream) parseAudioCodec(a *rtmpmsg.Audio) {
	h, err := flv.ParseAudioHeader(a.Payload)
	if err != nil {
		return
	}
	s.audioCodec = &models.CodecInfo{
		Codec:      flv.AudioCodecName(h.SoundFormat),
		SampleRate: h.SampleRate,
		Channels:   h.Channels,
	}
}

// firstTimestamp is the timestamp of the oldest GOP entry, 0 when empty
func (s *Stream) firstTimestamp() uint32 {
	if len(s.gop) == 0 {
		return 0
	}
	return s.gop[0].Header().Timestamp
}

func (s *Stream) persist(m rtmpmsg.Media) {
	if s.store == nil || s.recordFailed {
		return
	}

	if s.recorder == nil {
		w, err := s.store.Create(s.name.FileName())
		if err != nil {
			s.log.Error().Err(err).Msg("failed to open recording, recording disabled for this stream")
			s.recordFailed = true
			s.metrics.RecordRecordingWrite(0, err)
			return
		}
		s.recorder = w
		s.log.Info().Str("file", s.name.FileName()).Msg("recording started")
	}

	if !s.wroteHeader {
		hdr, err := flv.FileHeader(s.metadata, s.firstTimestamp())
		if err != nil {
			s.log.Error().Err(err).Msg("failed to encode recording header")
			return
		}
		if !s.write(hdr) {
			return
		}
		s.wroteHeader = true
	}

	tag, err := encodeTag(m)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to encode recording tag")
		return
	}
	s.write(tag)
}

func (s *Stream) write(b []byte) bool {
	n, err := s.recorder.Write(b)
	s.metrics.RecordRecordingWrite(n, err)
	if err != nil {
		s.log.Error().Err(err).Msg("recording write failed")
		return false
	}
	return true
}

func (s *Stream) fanOut(m rtmpmsg.Media) {
	if len(s.rtmpSubscribers) > 0 {
		live := s.rtmpSubscribers[:0]
		for _, sub := range s.rtmpSubscribers {
			if !sub.Active() {
				s.dropSubscriber("rtmp", sub, nil)
				continue
			}
			if err := sub.WriteMessage(m); err != nil {
				s.dropSubscriber("rtmp", sub, err)
				continue
			}
			live = append(live, sub)
		}
		clear(s.rtmpSubscribers[len(live):])
		s.rtmpSubscribers = live
	}

	if len(s.flvSubscribers) > 0 {
		tag, err := encodeTag(m)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to encode flv tag")
			return
		}

		live := s.flvSubscribers[:0]
		for _, sub := range s.flvSubscribers {
			if !sub.Active() {
				s.dropSubscriber("flv", sub, nil)
				continue
			}
			if err := sub.WriteFLV(tag); err != nil {
				s.dropSubscriber("flv", sub, err)
				continue
			}
			live = append(live, sub)
		}
		clear(s.flvSubscribers[len(live):])
		s.flvSubscribers = live
	}
}

func (s *Stream) dropSubscriber(protocol string, sub io.Closer, err error) {
	if err != nil {
		s.log.Warn().Err(err).Str("protocol", protocol).Msg("subscriber write failed, dropping")
	} else {
		s.log.Debug().Str("protocol", protocol).Msg("subscriber no longer active, dropping")
	}
	if cerr := sub.Close(); cerr != nil {
		s.log.Debug().Err(cerr).Msg("closing dropped subscriber")
	}
	s.stats.DroppedSubscribers++
	s.metrics.RecordSubscriberDropped(protocol)
}

// AddRTMPSubscriber replays the cached sequence headers and the GOP cache to
// sub, then adds it to the live fan-out.
func (s *Stream) AddRTMPSubscriber(sub RTMPSubscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == models.StreamStateStopped {
		return ErrStreamClosed
	}

	ts := s.firstTimestamp()
	replay := make([]rtmpmsg.Message, 0, len(s.gop)+2)
	if s.decoderConfig != nil {
		cfg := *s.decoderConfig
		cfg.Timestamp = ts
		cfg.TimestampDelta = 0
		replay = append(replay, &cfg)
	}
	if s.audioHeader != nil {
		aac := *s.audioHeader
		aac.Timestamp = ts
		aac.TimestampDelta = 0
		replay = append(replay, &aac)
	}
	for _, m := range s.gop {
		replay = append(replay, m)
	}
	if len(replay) > 0 {
		if err := sub.WriteBatch(replay); err != nil {
			return fmt.Errorf("send gop cache: %w", err)
		}
	}

	s.rtmpSubscribers = append(s.rtmpSubscribers, sub)
	s.metrics.RecordViewerStart("rtmp")
	s.log.Info().Int("gop", len(s.gop)).Int("rtmp_subscribers", len(s.rtmpSubscribers)).Msg("rtmp subscriber added")
	return nil
}

// AddFLVSubscriber writes the FLV header, metadata, sequence headers and the
// GOP cache to sub in a single write, then adds it to the live fan-out.
func (s *Stream) AddFLVSubscriber(sub FLVSubscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == models.StreamStateStopped {
		return ErrStreamClosed
	}

	ts := s.firstTimestamp()
	replay, err := flv.FileHeader(s.metadata, ts)
	if err != nil {
		return err
	}

	if s.decoderConfig != nil {
		tag, err := flv.EncodeTag(flv.TagVideo, ts, s.decoderConfig.Payload)
		if err != nil {
			return err
		}
		replay = append(replay, tag...)
	}
	if s.audioHeader != nil {
		tag, err := flv.EncodeTag(flv.TagAudio, ts, s.audioHeader.Payload)
		if err != nil {
			return err
		}
		replay = append(replay, tag...)
	}
	for _, m := range s.gop {
		tag, err := encodeTag(m)
		if err != nil {
			return err
		}
		replay = append(replay, tag...)
	}

	// header, sequence headers and GOP go out as one write
	if err := sub.WriteFLV(replay); err != nil {
		return fmt.Errorf("send gop cache: %w", err)
	}

	s.flvSubscribers = append(s.flvSubscribers, sub)
	s.metrics.RecordViewerStart("flv")
	s.log.Info().Int("gop", len(s.gop)).Int("flv_subscribers", len(s.flvSubscribers)).Msg("flv subscriber added")
	return nil
}

// Teardown ends the stream: the recording is closed, RTMP subscribers get a
// stream EOF and every subscriber connection is closed. Calling it again is
// a no-op.
func (s *Stream) Teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == models.StreamStateStopped {
		return nil
	}
	s.state = models.StreamStateStopped
	s.stoppedAt = time.Now()

	var result *multierror.Error

	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close recording: %w", err))
		}
		s.recorder = nil
	}

	for _, sub := range s.rtmpSubscribers {
		if sub.Active() {
			if err := sub.WriteMessage(rtmpmsg.StreamEOF(rtmpmsg.DefaultStreamID)); err != nil {
				result = multierror.Append(result, fmt.Errorf("send stream eof: %w", err))
			}
		}
		if err := sub.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close rtmp subscriber: %w", err))
		}
		s.metrics.RecordViewerStop("rtmp")
	}
	s.rtmpSubscribers = nil

	for _, sub := range s.flvSubscribers {
		if err := sub.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close flv subscriber: %w", err))
		}
		s.metrics.RecordViewerStop("flv")
	}
	s.flvSubscribers = nil

	clear(s.gop)
	s.gop = nil

	s.metrics.RecordStreamStop(s.stoppedAt.Sub(s.startedAt).Seconds())
	s.log.Info().Dur("duration", s.stoppedAt.Sub(s.startedAt)).Uint64("frames", s.stats.FramesReceived).Msg("stream ended")

	return result.ErrorOrNil()
}

// Info returns a snapshot for the HTTP API
func (s *Stream) Info() models.StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := models.StreamInfo{
		Application:    s.name.App,
		Stream:         s.name.Name,
		State:          string(s.state),
		PublisherIP:    s.publisherIP,
		StartedAt:      s.startedAt.UTC().Format(time.RFC3339),
		RTMPViewers:    len(s.rtmpSubscribers),
		FLVViewers:     len(s.flvSubscribers),
		OBS:            s.obs,
		GOPLength:      len(s.gop),
		FramesReceived: s.stats.FramesReceived,
		BytesReceived:  s.stats.BytesReceived,
		KeyFrames:      s.stats.KeyFramesReceived,
		Dropped:        s.stats.DroppedSubscribers,
		Metadata:       s.metadata.Map(),
	}

	end := time.Now()
	if s.state == models.StreamStateStopped {
		end = s.stoppedAt
	}
	info.Duration = int(end.Sub(s.startedAt).Seconds())

	if s.videoCodec != nil {
		info.VideoCodec = s.videoCodec.Codec
		info.VideoProfile = s.videoCodec.Profile
	}
	if s.audioCodec != nil {
		info.AudioCodec = s.audioCodec.Codec
	}
	if s.store != nil && !s.recordFailed {
		info.Recording = s.name.FileName()
	}
	return info
}

// State returns the stream state
func (s *Stream) State() models.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func encodeTag(m rtmpmsg.Media) ([]byte, error) {
	t := flv.TagAudio
	if m.TypeID() == rtmpmsg.TypeVideo {
		t = flv.TagVideo
	}
	return flv.EncodeTag(t, m.Header().Timestamp, m.Bytes())
}

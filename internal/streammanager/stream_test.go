package streammanager

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liverelay/internal/amf"
	"liverelay/internal/flv"
	rtmpmsg "liverelay/internal/rtmp/message"
	"liverelay/internal/storage"
	"liverelay/pkg/models"
)

var testName = models.StreamName{App: "live", Name: "demo"}

type fakeRTMP struct {
	mu       sync.Mutex
	msgs     []rtmpmsg.Message
	inactive bool
	fail     error
	closed   bool
	batches  int
}

func (f *fakeRTMP) WriteMessage(m rtmpmsg.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeRTMP) WriteBatch(msgs []rtmpmsg.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.batches++
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeRTMP) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.inactive && !f.closed
}

func (f *fakeRTMP) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRTMP) messages() []rtmpmsg.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rtmpmsg.Message(nil), f.msgs...)
}

type fakeFLV struct {
	buf    bytes.Buffer
	writes int
	closed bool
}

func (f *fakeFLV) WriteFLV(b []byte) error {
	f.writes++
	f.buf.Write(b)
	return nil
}

func (f *fakeFLV) Active() bool {
	return !f.closed
}

func (f *fakeFLV) Close() error {
	f.closed = true
	return nil
}

func newTestStream(store storage.Storage) *Stream {
	return NewStream(testName, "127.0.0.1", store, nil, zerolog.Nop())
}

func video(ts uint32, payload ...byte) *rtmpmsg.Video {
	v := &rtmpmsg.Video{Payload: payload}
	v.Timestamp = ts
	v.Absolute = true
	return v
}

func videoDelta(delta uint32, payload ...byte) *rtmpmsg.Video {
	v := &rtmpmsg.Video{Payload: payload}
	v.TimestampDelta = delta
	return v
}

func audio(ts uint32, payload ...byte) *rtmpmsg.Audio {
	a := &rtmpmsg.Audio{Payload: payload}
	a.Timestamp = ts
	a.Absolute = true
	return a
}

func audioDelta(delta uint32, payload ...byte) *rtmpmsg.Audio {
	a := &rtmpmsg.Audio{Payload: payload}
	a.TimestampDelta = delta
	return a
}

func keyFrame(ts uint32) *rtmpmsg.Video {
	return video(ts, 0x17, 0x01, 0, 0, 0, 0xAA)
}

func interFrame(ts uint32) *rtmpmsg.Video {
	return video(ts, 0x27, 0x01, 0, 0, 0, 0xBB)
}

func configRecord(ts uint32) *rtmpmsg.Video {
	return video(ts, 0x17, 0x00, 0, 0, 0,
		0x01, 0x64, 0x00, 0x1F, 0xFF,
		0xE1, 0x00, 0x04, 0x67, 0x64, 0x00, 0x1F,
		0x01, 0x00, 0x03, 0x68, 0xEE, 0x3C)
}

func aacHeader(ts uint32) *rtmpmsg.Audio {
	return audio(ts, 0xAF, 0x00, 0x12, 0x10)
}

func TestGOPCacheStartsAtLastKeyFrame(t *testing.T) {
	s := newTestStream(nil)

	sequence := []rtmpmsg.Media{
		interFrame(0),
		keyFrame(40),
		interFrame(80),
		audio(90, 0xAF, 0x01, 0x21),
		interFrame(120),
		keyFrame(160),
		interFrame(200),
	}

	lastKey := -1
	for i, m := range sequence {
		s.AcceptContent(m)
		if v, ok := m.(*rtmpmsg.Video); ok && v.IsKeyFrame() {
			lastKey = i
			require.Equal(t, []rtmpmsg.Media{m}, s.gop, "after key frame %d", i)
		}

		start := lastKey
		if start < 0 {
			start = 0
		}
		assert.Equal(t, sequence[start:i+1], s.gop, "after message %d", i)
	}
}

func TestRTMPJoinReplaysConfigThenGOP(t *testing.T) {
	s := newTestStream(nil)

	s.AcceptContent(configRecord(0))
	s.AcceptContent(interFrame(20))

	frames := []rtmpmsg.Media{keyFrame(40)}
	for i := 1; i <= 5; i++ {
		frames = append(frames, interFrame(40+uint32(i)*40))
	}
	for _, f := range frames {
		s.AcceptContent(f)
	}

	sub := &fakeRTMP{}
	require.NoError(t, s.AddRTMPSubscriber(sub))

	got := sub.messages()
	require.Len(t, got, 1+len(frames))
	assert.Equal(t, 1, sub.batches, "replay is queued as one batch")

	cfg, ok := got[0].(*rtmpmsg.Video)
	require.True(t, ok)
	assert.True(t, cfg.IsDecoderConfig())
	assert.Equal(t, uint32(40), cfg.Timestamp, "config takes the first gop timestamp")

	for i, f := range frames {
		assert.Same(t, f, got[i+1])
	}

	// live messages follow the replay
	next := interFrame(400)
	s.AcceptContent(next)
	got = sub.messages()
	assert.Same(t, next, got[len(got)-1])
}

func TestRTMPJoinWithoutConfig(t *testing.T) {
	s := newTestStream(nil)
	s.AcceptContent(keyFrame(10))

	sub := &fakeRTMP{}
	require.NoError(t, s.AddRTMPSubscriber(sub))
	require.Len(t, sub.messages(), 1)

	empty := newTestStream(nil)
	sub2 := &fakeRTMP{}
	require.NoError(t, empty.AddRTMPSubscriber(sub2))
	assert.Empty(t, sub2.messages())
}

func TestRTMPJoinSendsAudioHeaderAfterConfig(t *testing.T) {
	s := newTestStream(nil)
	s.AcceptContent(configRecord(0))
	s.AcceptContent(aacHeader(0))
	s.AcceptContent(keyFrame(100))

	sub := &fakeRTMP{}
	require.NoError(t, s.AddRTMPSubscriber(sub))

	got := sub.messages()
	require.Len(t, got, 3)
	assert.True(t, got[0].(*rtmpmsg.Video).IsDecoderConfig())
	aac := got[1].(*rtmpmsg.Audio)
	assert.True(t, aac.IsSequenceHeader())
	assert.Equal(t, uint32(100), aac.Timestamp)
}

func TestNonOBSTimestamps(t *testing.T) {
	s := newTestStream(nil)

	var deltas []uint32
	for _, ts := range []uint32{1000, 1040, 1080} {
		v := interFrame(ts)
		s.AcceptContent(v)
		deltas = append(deltas, v.TimestampDelta)
		assert.Equal(t, ts, v.Timestamp)
		assert.True(t, v.Absolute)
	}
	assert.Equal(t, []uint32{1000, 40, 40}, deltas)

	// delta input continues the per-type clock
	d := videoDelta(40, 0x27, 0x01)
	s.AcceptContent(d)
	assert.Equal(t, uint32(1120), d.Timestamp)
	assert.Equal(t, uint32(40), d.TimestampDelta)

	// audio keeps its own clock
	a := audioDelta(23, 0xAF, 0x01)
	s.AcceptContent(a)
	assert.Equal(t, uint32(23), a.Timestamp)
}

func TestOBSTimestamps(t *testing.T) {
	s := newTestStream(nil)
	s.SetMetadata(amf.NewObject("encoder", "obs-output module (libobs version 30.0.2)", "filesize", 0.0))
	require.True(t, s.OBS())

	v := video(1000, 0x27, 0x01)
	s.AcceptContent(v)
	assert.Equal(t, uint32(1000), v.Timestamp)
	assert.Equal(t, uint32(1000), v.TimestampDelta)

	// OBS deltas are relative to the previous message of any type
	a := audioDelta(20, 0xAF, 0x01)
	s.AcceptContent(a)
	assert.Equal(t, uint32(1020), a.Timestamp)
	assert.Equal(t, uint32(1020), a.TimestampDelta, "forwarded delta is per type")

	v2 := videoDelta(13, 0x27, 0x01)
	s.AcceptContent(v2)
	assert.Equal(t, uint32(1033), v2.Timestamp)
	assert.Equal(t, uint32(33), v2.TimestampDelta)

	a2 := audioDelta(10, 0xAF, 0x01)
	s.AcceptContent(a2)
	assert.Equal(t, uint32(1043), a2.Timestamp)
	assert.Equal(t, uint32(23), a2.TimestampDelta)
}

func TestMetadataWithoutOBS(t *testing.T) {
	s := newTestStream(nil)
	s.SetMetadata(amf.NewObject("encoder", "Lavf60.16.100", "width", 1280.0))
	assert.False(t, s.OBS())

	w, ok := s.Metadata().GetNumber("width")
	require.True(t, ok)
	assert.Equal(t, 1280.0, w)
}

type flvTag struct {
	typ     flv.TagType
	ts      uint32
	payload []byte
}

func parseFLV(t *testing.T, b []byte) []flvTag {
	t.Helper()
	require.GreaterOrEqual(t, len(b), 13)
	require.Equal(t, flv.Header(), b[:13])

	var tags []flvTag
	for off := 13; off < len(b); {
		require.GreaterOrEqual(t, len(b)-off, 15)
		size := int(b[off+1])<<16 | int(b[off+2])<<8 | int(b[off+3])
		ts := uint32(b[off+4])<<16 | uint32(b[off+5])<<8 | uint32(b[off+6]) | uint32(b[off+7])<<24
		payload := b[off+11 : off+11+size]
		prev := binary.BigEndian.Uint32(b[off+11+size:])
		require.Equal(t, uint32(size+11), prev)
		tags = append(tags, flvTag{typ: flv.TagType(b[off]), ts: ts, payload: payload})
		off += 11 + size + 4
	}
	return tags
}

func TestFLVJoin(t *testing.T) {
	s := newTestStream(nil)
	s.SetMetadata(amf.NewObject("width", 640.0))
	s.AcceptContent(configRecord(0))
	s.AcceptContent(aacHeader(0))
	s.AcceptContent(keyFrame(200))
	s.AcceptContent(audio(210, 0xAF, 0x01, 0x21))
	s.AcceptContent(interFrame(240))

	sub := &fakeFLV{}
	require.NoError(t, s.AddFLVSubscriber(sub))

	tags := parseFLV(t, sub.buf.Bytes())
	require.Len(t, tags, 6)
	assert.Equal(t, 1, sub.writes, "replay is one write")

	assert.Equal(t, flv.TagScript, tags[0].typ)
	assert.Equal(t, uint32(200), tags[0].ts)
	values, err := amf.DecodeAll(tags[0].payload)
	require.NoError(t, err)
	assert.Equal(t, "onMetaData", values[0])

	assert.Equal(t, flv.TagVideo, tags[1].typ)
	assert.Equal(t, byte(0x00), tags[1].payload[1], "decoder configuration")
	assert.Equal(t, uint32(200), tags[1].ts)

	assert.Equal(t, flv.TagAudio, tags[2].typ)
	assert.Equal(t, []byte{0xAF, 0x00, 0x12, 0x10}, tags[2].payload)

	assert.Equal(t, uint32(200), tags[3].ts)
	assert.Equal(t, flv.TagAudio, tags[4].typ)
	assert.Equal(t, uint32(240), tags[5].ts)

	before := sub.buf.Len()
	s.AcceptContent(interFrame(280))
	live := parseFLV(t, append(flv.Header(), sub.buf.Bytes()[before:]...))
	require.Len(t, live, 1)
	assert.Equal(t, uint32(280), live[0].ts)
}

func TestRecordingToLocalStorage(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewLocalStorage(dir)
	require.NoError(t, err)

	s := newTestStream(store)
	s.SetMetadata(amf.NewObject("width", 1920.0, "height", 1080.0))
	s.AcceptContent(keyFrame(500))
	s.AcceptContent(interFrame(540))
	require.NoError(t, s.Teardown())

	data, err := os.ReadFile(filepath.Join(dir, "live_demo.flv"))
	require.NoError(t, err)

	tags := parseFLV(t, data)
	require.Len(t, tags, 3)
	assert.Equal(t, flv.TagScript, tags[0].typ)
	assert.Equal(t, uint32(500), tags[0].ts, "metadata tag uses the first gop timestamp")
	assert.Equal(t, uint32(500), tags[1].ts)
	assert.Equal(t, uint32(540), tags[2].ts)
	assert.Equal(t, "live_demo.flv", s.Info().Recording)
}

type failingStorage struct{ storage.Storage }

func (failingStorage) Create(string) (io.WriteCloser, error) { return nil, errors.New("disk full") }

func TestRecordingOpenFailureKeepsStreamLive(t *testing.T) {
	s := newTestStream(failingStorage{})
	sub := &fakeRTMP{}
	require.NoError(t, s.AddRTMPSubscriber(sub))

	s.AcceptContent(keyFrame(0))
	s.AcceptContent(interFrame(40))

	assert.Len(t, sub.messages(), 2)
	assert.Empty(t, s.Info().Recording)
}

func TestPruneFailedSubscribers(t *testing.T) {
	s := newTestStream(nil)

	good := &fakeRTMP{}
	broken := &fakeRTMP{}
	gone := &fakeRTMP{}
	require.NoError(t, s.AddRTMPSubscriber(good))
	require.NoError(t, s.AddRTMPSubscriber(broken))
	require.NoError(t, s.AddRTMPSubscriber(gone))

	broken.fail = errors.New("queue full")
	gone.inactive = true

	s.AcceptContent(keyFrame(0))
	s.AcceptContent(interFrame(40))

	assert.Len(t, good.messages(), 2)
	assert.True(t, broken.closed)
	assert.True(t, gone.closed)
	assert.Equal(t, 1, s.Info().RTMPViewers, "only the healthy subscriber remains")
	assert.Equal(t, uint64(2), s.Info().Dropped)
}

func TestTeardown(t *testing.T) {
	s := newTestStream(nil)
	s.AcceptContent(keyFrame(0))

	rtmpSub := &fakeRTMP{}
	flvSub := &fakeFLV{}
	require.NoError(t, s.AddRTMPSubscriber(rtmpSub))
	require.NoError(t, s.AddFLVSubscriber(flvSub))

	require.NoError(t, s.Teardown())

	msgs := rtmpSub.messages()
	eof, ok := msgs[len(msgs)-1].(*rtmpmsg.UserControl)
	require.True(t, ok)
	assert.Equal(t, rtmpmsg.EventStreamEOF, eof.Event)
	assert.Equal(t, rtmpmsg.DefaultStreamID, eof.Data)
	assert.True(t, rtmpSub.closed)
	assert.True(t, flvSub.closed)
	assert.Equal(t, models.StreamStateStopped, s.State())

	require.NoError(t, s.Teardown(), "teardown is idempotent")
	assert.ErrorIs(t, s.AddRTMPSubscriber(&fakeRTMP{}), ErrStreamClosed)
	assert.ErrorIs(t, s.AddFLVSubscriber(&fakeFLV{}), ErrStreamClosed)

	s.AcceptContent(interFrame(40))
	assert.Len(t, rtmpSub.messages(), len(msgs), "nothing is delivered after teardown")
}

func TestCodecInfo(t *testing.T) {
	s := newTestStream(nil)
	s.AcceptContent(configRecord(0))
	s.AcceptContent(aacHeader(0))

	info := s.Info()
	assert.Equal(t, "H.264", info.VideoCodec)
	assert.Equal(t, "High", info.VideoProfile)
	assert.Equal(t, "AAC", info.AudioCodec)
	assert.Equal(t, "live", info.Application)
	assert.Equal(t, "demo", info.Stream)
	assert.Equal(t, string(models.StreamStateLive), info.State)
}

func TestConcurrentJoinSeesContiguousGOP(t *testing.T) {
	s := newTestStream(nil)
	s.AcceptContent(keyFrame(0))

	const frames = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= frames; i++ {
			s.AcceptContent(interFrame(uint32(i) * 10))
		}
	}()

	subs := make([]*fakeRTMP, 8)
	for i := range subs {
		subs[i] = &fakeRTMP{}
		wg.Add(1)
		go func(sub *fakeRTMP) {
			defer wg.Done()
			assert.NoError(t, s.AddRTMPSubscriber(sub))
		}(subs[i])
	}
	wg.Wait()

	for _, sub := range subs {
		msgs := sub.messages()
		require.NotEmpty(t, msgs)
		for i, m := range msgs {
			assert.Equal(t, uint32(i)*10, m.Header().Timestamp)
		}
	}
}

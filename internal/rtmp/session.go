package rtmp

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"liverelay/config"
	"liverelay/internal/amf"
	"liverelay/internal/logger"
	"liverelay/internal/metrics"
	rtmpmsg "liverelay/internal/rtmp/message"
	"liverelay/internal/streammanager"
	"liverelay/pkg/models"
)

var (
	// ErrUnsupportedStreamType is returned when publish asks for anything but "live"
	ErrUnsupportedStreamType = errors.New("rtmp: unsupported publish type")
	// ErrRoleConflict is returned when a connection tries to both publish and play
	ErrRoleConflict = errors.New("rtmp: connection already has a different role")
	// ErrBadStreamName is returned when publish lacks an app or stream name
	ErrBadStreamName = errors.New("rtmp: incomplete stream name")
)

// ackResetThreshold is where the inbound byte counter is reset to stay well
// clear of the uint32 wrap
const ackResetThreshold uint32 = 0xF0000000

// Role is what a connection does after connect
type Role int

const (
	RoleUnassigned Role = iota
	RolePublisher
	RoleSubscriber
)

func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	default:
		return "unassigned"
	}
}

// SessionState is the long-lived per-connection state
type SessionState struct {
	Role            Role
	BytesReceived   uint32
	LastAcked       uint32
	WindowSize      uint32
	Stream          models.StreamName
	ShutdownHandled bool
}

// Conn is the outbound side of a connection as seen by a session
type Conn interface {
	WriteMessage(msg rtmpmsg.Message) error
	WriteBatch(msgs []rtmpmsg.Message) error
	Close() error
	Active() bool
	RemoteAddr() net.Addr
}

// Session reacts to the messages decoded from one connection
type Session struct {
	state   SessionState
	conn    Conn
	manager *streammanager.Manager
	stream  *streammanager.Stream
	cfg     config.RTMPConfig
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewSession creates a session writing to conn
func NewSession(conn Conn, manager *streammanager.Manager, cfg config.RTMPConfig, m *metrics.Metrics, log zerolog.Logger) *Session {
	return &Session{
		conn:    conn,
		manager: manager,
		cfg:     cfg,
		metrics: m,
		log:     log,
	}
}

// State returns a copy of the session state
func (s *Session) State() SessionState {
	return s.state
}

// Handle reacts to one inbound message. A non-nil error means the connection
// must be closed.
func (s *Session) Handle(msg rtmpmsg.Message) error {
	s.maybeAck(msg.Header().InboundSize)

	switch m := msg.(type) {
	case *rtmpmsg.WindowAckSize:
		s.state.WindowSize = m.Size
		s.log.Debug().Uint32("size", m.Size).Msg("window ack size negotiated")
	case *rtmpmsg.Command:
		return s.handleCommand(m)
	case *rtmpmsg.Data:
		s.handleData(m)
	case rtmpmsg.Media:
		s.handleMedia(m)
	case *rtmpmsg.SetChunkSize, *rtmpmsg.UserControl, *rtmpmsg.Acknowledgement, *rtmpmsg.SetPeerBandwidth, *rtmpmsg.Abort:
		// nothing to do
	default:
		s.log.Debug().Str("type", fmt.Sprintf("%T", msg)).Msg("ignoring message")
	}
	return nil
}

func (s *Session) maybeAck(n int) {
	s.state.BytesReceived += uint32(n)
	if s.state.WindowSize == 0 {
		return
	}

	if s.state.BytesReceived >= ackResetThreshold {
		s.log.Warn().Uint32("bytes", s.state.BytesReceived).Msg("resetting inbound byte counter")
		s.send(&rtmpmsg.Acknowledgement{SequenceNumber: s.state.BytesReceived})
		s.state.BytesReceived = 0
		s.state.LastAcked = 0
		return
	}

	if s.state.BytesReceived-s.state.LastAcked >= s.state.WindowSize {
		s.state.LastAcked = s.state.BytesReceived
		s.send(&rtmpmsg.Acknowledgement{SequenceNumber: s.state.LastAcked})
	}
}

func (s *Session) handleCommand(cmd *rtmpmsg.Command) error {
	s.log.Info().Str("command", cmd.Name).Float64("txid", cmd.TransactionID).Msg("command received")

	switch cmd.Name {
	case "connect":
		return s.handleConnect(cmd)
	case "createStream":
		s.send(&rtmpmsg.Command{
			Name:          "_result",
			TransactionID: cmd.TransactionID,
			Args:          []any{nil, float64(rtmpmsg.DefaultStreamID)},
		})
	case "publish":
		return s.handlePublish(cmd)
	case "play":
		return s.handlePlay(cmd)
	case "deleteStream", "closeStream":
		return s.handleCloseStream()
	}
	return nil
}

func (s *Session) handleConnect(cmd *rtmpmsg.Command) error {
	props, _ := amf.AsObject(cmd.Arg(0))
	if props == nil {
		props = amf.NewObject()
	}

	if enc, ok := props.GetNumber("objectEncoding"); ok && enc == 3 {
		s.metrics.RecordRTMPError("amf3")
		return fmt.Errorf("connect: %w", rtmpmsg.ErrUnsupportedEncoding)
	}

	app, _ := props.GetString("app")
	s.state.Stream = models.StreamName{App: strings.Trim(app, "/")}
	s.log = s.log.With().Str(logger.FieldApp, s.state.Stream.App).Logger()

	s.send(&rtmpmsg.WindowAckSize{Size: s.cfg.WindowAckSize})
	s.send(&rtmpmsg.SetPeerBandwidth{Size: s.cfg.WindowAckSize, LimitType: rtmpmsg.LimitSoft})
	s.send(&rtmpmsg.SetChunkSize{Size: s.cfg.ChunkSize})
	s.send(&rtmpmsg.Command{
		Name:          "_result",
		TransactionID: cmd.TransactionID,
		Args: []any{
			amf.NewObject("fmsVer", "FMS/3,0,1,123", "capabilities", 31.0),
			amf.NewObject(
				"level", "status",
				"code", "NetConnection.Connect.Success",
				"description", "Connection succeeded",
				"objectEncoding", 0.0,
			),
		},
	})
	return nil
}

func (s *Session) handlePublish(cmd *rtmpmsg.Command) error {
	if s.state.Role == RoleSubscriber {
		return fmt.Errorf("publish: %w", ErrRoleConflict)
	}

	name, _ := cmd.Arg(1).(string)
	streamType, _ := cmd.Arg(2).(string)
	if streamType != "live" {
		s.metrics.RecordRTMPError("publish_type")
		return fmt.Errorf("publish %q as %q: %w", name, streamType, ErrUnsupportedStreamType)
	}

	s.state.Stream.Name = name
	if !s.state.Stream.Complete() {
		s.metrics.RecordRTMPError("publish_name")
		s.send(rtmpmsg.OnStatus("error", "NetStream.Publish.BadName", "Invalid stream name"))
		s.state.ShutdownHandled = true
		s.conn.Close()
		return fmt.Errorf("publish %q: %w", s.state.Stream, ErrBadStreamName)
	}
	s.state.Role = RolePublisher
	s.log = s.log.With().Str(logger.FieldStream, name).Str(logger.FieldRole, RolePublisher.String()).Logger()

	s.stream = s.manager.CreateStream(s.state.Stream, remoteIP(s.conn.RemoteAddr()))
	s.log.Info().Msg("publish started")

	s.send(rtmpmsg.OnStatus("status", "NetStream.Publish.Start", "Start publishing"))
	return nil
}

func (s *Session) handlePlay(cmd *rtmpmsg.Command) error {
	if s.state.Role == RolePublisher {
		return fmt.Errorf("play: %w", ErrRoleConflict)
	}
	s.state.Role = RoleSubscriber

	name, _ := cmd.Arg(1).(string)
	s.state.Stream.Name = name
	s.log = s.log.With().Str(logger.FieldStream, name).Str(logger.FieldRole, RoleSubscriber.String()).Logger()

	stream, ok := s.manager.GetStream(s.state.Stream)
	if !ok {
		s.log.Info().Msg("play requested for a stream that is not published")
		s.send(rtmpmsg.OnStatus("error", "NetStream.Play.StreamNotFound", "No Such Stream"))
		s.state.ShutdownHandled = true
		return s.conn.Close()
	}

	s.send(rtmpmsg.StreamBegin(rtmpmsg.DefaultStreamID))
	s.send(rtmpmsg.OnStatus("status", "NetStream.Play.Start", "Start live"))
	s.send(&rtmpmsg.Command{
		Meta: rtmpmsg.Meta{StreamID: rtmpmsg.DefaultStreamID},
		Name: "|RtmpSampleAccess",
		Args: []any{true, true},
	})
	s.send(&rtmpmsg.Data{
		Meta:   rtmpmsg.Meta{StreamID: rtmpmsg.DefaultStreamID},
		Values: []any{"onMetaData", stream.Metadata()},
	})

	if err := stream.AddRTMPSubscriber(s.conn); err != nil {
		s.state.ShutdownHandled = true
		if errors.Is(err, streammanager.ErrStreamClosed) {
			s.log.Info().Msg("stream ended before play started")
			return s.conn.Close()
		}
		return fmt.Errorf("play: %w", err)
	}
	s.log.Info().Msg("play started")
	return nil
}

func (s *Session) handleCloseStream() error {
	if s.state.Role != RolePublisher {
		s.log.Debug().Msg("ignoring stream close from non-publisher")
		return nil
	}

	s.send(rtmpmsg.OnStatus("status", "NetStream.Unpublish.Success", "Stop publishing"))
	s.stopStream()
	s.state.ShutdownHandled = true
	s.log.Info().Msg("publish stopped")
	return s.conn.Close()
}

func (s *Session) handleData(d *rtmpmsg.Data) {
	var props *amf.Object
	switch d.Name() {
	case "@setDataFrame":
		if len(d.Values) > 2 {
			props, _ = amf.AsObject(d.Values[2])
		}
	case "onMetaData":
		if len(d.Values) > 1 {
			props, _ = amf.AsObject(d.Values[1])
		}
	default:
		return
	}

	if props == nil {
		s.log.Warn().Msg("metadata message without a property map")
		return
	}
	if s.stream == nil {
		s.log.Error().Msg("metadata received but no stream is published on this connection")
		return
	}

	props = props.Clone()
	props.Delete("filesize")
	s.stream.SetMetadata(props)
	s.log.Debug().Strs("keys", props.Keys()).Msg("metadata updated")
}

func (s *Session) handleMedia(m rtmpmsg.Media) {
	if s.state.Role != RolePublisher || s.stream == nil {
		s.log.Error().Str("stream", s.state.Stream.String()).Msg("media received but no stream is published on this connection")
		return
	}
	s.stream.AcceptContent(m)
}

// Disconnected runs end-of-stream teardown for a publisher that went away
// without unpublishing
func (s *Session) Disconnected() {
	if s.state.Role != RolePublisher || s.state.ShutdownHandled {
		return
	}
	s.state.ShutdownHandled = true
	s.log.Info().Msg("publisher disconnected")
	s.stopStream()
}

func (s *Session) stopStream() {
	if s.stream == nil {
		return
	}
	if err := s.manager.StopStream(s.stream); err != nil {
		s.log.Warn().Err(err).Msg("stream teardown reported errors")
	}
}

func (s *Session) send(msg rtmpmsg.Message) {
	if err := s.conn.WriteMessage(msg); err != nil {
		s.log.Warn().Err(err).Str("type", fmt.Sprintf("%T", msg)).Msg("failed to queue message")
	}
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

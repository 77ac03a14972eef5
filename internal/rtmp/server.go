package rtmp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"liverelay/config"
	"liverelay/internal/logger"
	"liverelay/internal/metrics"
	rtmpmsg "liverelay/internal/rtmp/message"
	"liverelay/internal/streammanager"
)

const readBufferSize = 64 * 1024

// Server represents the RTMP server
type Server struct {
	cfg           config.RTMPConfig
	streamManager *streammanager.Manager
	metrics       *metrics.Metrics
	log           zerolog.Logger
	pool          *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New creates a new RTMP server
func New(cfg config.RTMPConfig, streamManager *streammanager.Manager, m *metrics.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:           cfg,
		streamManager: streamManager,
		metrics:       m,
		log:           log.With().Str(logger.FieldService, "rtmp").Logger(),
		pool:          semaphore.NewWeighted(int64(cfg.HandlerPoolSize)),
		conns:         make(map[*conn]struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled or Close is called
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("RTMP server listening")

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		c := newConn(nc, s.cfg.OutboundQueueSize, s.log.With().
			Str(logger.FieldConnID, uuid.NewString()).
			Str(logger.FieldRemoteAddr, nc.RemoteAddr().String()).
			Logger())

		if !s.track(c) {
			c.abort()
			return nil
		}
		go func() {
			defer s.untrack(c)
			s.handleConn(ctx, c)
		}()
	}
}

// Addr returns the listener address, nil before Serve
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting, drops every connection and waits for their
// goroutines to finish
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for c := range s.conns {
		c.abort()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// handleConn runs the read side of one connection: handshake, chunk
// decoding, then session reactions on the bounded handler pool
func (s *Server) handleConn(ctx context.Context, c *conn) {
	log := c.log
	s.metrics.RecordRTMPConnection()
	log.Info().Msg("new RTMP connection")

	go c.writeLoop()

	sess := NewSession(c, s.streamManager, s.cfg, s.metrics, log)
	defer func() {
		sess.Disconnected()
		c.Close()
		<-c.done
		s.metrics.RecordRTMPDisconnect()
		log.Info().Str(logger.FieldRole, sess.State().Role.String()).Msg("RTMP connection closed")
	}()

	hs := NewHandshake()
	decoder := NewChunkDecoder()
	buf := make([]byte, readBufferSize)

	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			s.metrics.RecordRTMPBytes(n)
			if !s.process(ctx, c, sess, hs, decoder, buf[:n]) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		if !c.Active() {
			return
		}
	}
}

// process pushes received bytes through the pipeline and reports whether
// the connection should stay open
func (s *Server) process(ctx context.Context, c *conn, sess *Session, hs *Handshake, decoder *ChunkDecoder, data []byte) bool {
	if !hs.Done() {
		reply, rest, err := hs.Feed(data)
		if err != nil {
			c.log.Error().Err(err).Msg("handshake failed")
			s.metrics.RecordRTMPError("handshake")
			return false
		}
		if len(reply) > 0 {
			if err := c.writeRaw(reply); err != nil {
				return false
			}
		}
		if !hs.Done() {
			return true
		}
		c.log.Debug().Msg("handshake complete")
		data = rest
	}
	if len(data) == 0 {
		return true
	}

	msgs, err := decoder.Feed(data)
	if err != nil {
		c.log.Warn().Err(err).Msg("protocol violation, closing connection")
		s.metrics.RecordRTMPError("protocol")
		return false
	}
	if len(msgs) == 0 {
		return true
	}

	if err := s.pool.Acquire(ctx, 1); err != nil {
		return false
	}
	defer s.pool.Release(1)

	for _, msg := range msgs {
		if err := sess.Handle(msg); err != nil {
			c.log.Warn().Err(err).Msg("closing connection")
			return false
		}
		if !c.Active() {
			return false
		}
	}
	return true
}

var (
	// ErrQueueFull is returned when a connection's outbound queue is full
	ErrQueueFull = errors.New("rtmp: outbound queue full")
	// ErrClosed is returned when writing to a closed connection
	ErrClosed = errors.New("rtmp: connection closed")
)

type outbound struct {
	raw   []byte
	msg   rtmpmsg.Message
	batch []rtmpmsg.Message
}

// conn owns the socket of one connection. Writes are queued and drained by
// a single writer goroutine that also owns the chunk encoder.
type conn struct {
	nc      net.Conn
	log     zerolog.Logger
	queue   chan outbound
	encoder *ChunkEncoder
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func newConn(nc net.Conn, queueSize int, log zerolog.Logger) *conn {
	return &conn{
		nc:      nc,
		log:     log,
		queue:   make(chan outbound, queueSize),
		encoder: NewChunkEncoder(),
		done:    make(chan struct{}),
	}
}

// WriteMessage queues msg for sending. It never blocks: a full queue is
// reported as ErrQueueFull.
func (c *conn) WriteMessage(msg rtmpmsg.Message) error {
	return c.enqueue(outbound{msg: msg})
}

// WriteBatch queues msgs as one entry, so a GOP replay longer than the queue
// still fits.
func (c *conn) WriteBatch(msgs []rtmpmsg.Message) error {
	return c.enqueue(outbound{batch: msgs})
}

func (c *conn) writeRaw(b []byte) error {
	return c.enqueue(outbound{raw: b})
}

func (c *conn) enqueue(o outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.queue <- o:
		return nil
	default:
		return ErrQueueFull
	}
}

// Active reports whether the connection still accepts writes
func (c *conn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close stops accepting writes. Already queued messages are flushed before
// the socket is closed.
func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	return nil
}

func (c *conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// abort closes the socket without flushing
func (c *conn) abort() {
	c.Close()
	c.nc.Close()
}

func (c *conn) writeLoop() {
	defer close(c.done)
	defer c.nc.Close()

	w := bufio.NewWriterSize(c.nc, readBufferSize)
	for o := range c.queue {
		if err := c.write(w, o); err != nil {
			c.fail(err)
			return
		}
		if len(c.queue) == 0 {
			if err := w.Flush(); err != nil {
				c.fail(err)
				return
			}
		}
	}
	if err := w.Flush(); err != nil {
		c.log.Debug().Err(err).Msg("final flush failed")
	}
}

func (c *conn) write(w *bufio.Writer, o outbound) error {
	if o.raw != nil {
		_, err := w.Write(o.raw)
		return err
	}
	msgs := o.batch
	if o.msg != nil {
		msgs = []rtmpmsg.Message{o.msg}
	}
	for _, msg := range msgs {
		b, err := c.encoder.Encode(msg)
		if err != nil {
			c.log.Error().Err(err).Msg("failed to encode message")
			continue
		}
		if _, err := w.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) fail(err error) {
	if !errors.Is(err, net.ErrClosed) {
		c.log.Debug().Err(err).Msg("write failed")
	}
	c.Close()
}

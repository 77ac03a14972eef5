package streammanager

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"liverelay/internal/metrics"
	"liverelay/internal/storage"
	"liverelay/pkg/models"
)

// Manager is the registry of live streams, keyed by stream name
type Manager struct {
	streams map[models.StreamName]*Stream
	mu      sync.RWMutex

	store   storage.Storage
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a new stream manager. store may be nil when recording is disabled.
func New(store storage.Storage, m *metrics.Metrics, log zerolog.Logger) *Manager {
	return &Manager{
		streams: make(map[models.StreamName]*Stream),
		store:   store,
		metrics: m,
		log:     log,
	}
}

// CreateStream creates a stream and registers it, replacing any stream
// already published under the same name.
func (m *Manager) CreateStream(name models.StreamName, publisherIP string) *Stream {
	stream := NewStream(name, publisherIP, m.store, m.metrics, m.log)
	if prev := m.Register(stream); prev != nil {
		m.log.Warn().Str("stream", name.String()).Msg("stream republished, previous publisher replaced")
	}
	m.metrics.RecordStreamStart()
	return stream
}

// Register stores stream under its name and returns the stream it replaced
func (m *Manager) Register(stream *Stream) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.streams[stream.Name()]
	m.streams[stream.Name()] = stream
	return prev
}

// GetStream retrieves a stream by name
func (m *Manager) GetStream(name models.StreamName) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream, exists := m.streams[name]
	return stream, exists
}

// RemoveStream removes stream from the registry if it is still the
// registered stream for its name. A publisher that was replaced by a newer
// one therefore cannot unregister its successor.
func (m *Manager) RemoveStream(stream *Stream) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.streams[stream.Name()] != stream {
		return false
	}
	delete(m.streams, stream.Name())
	return true
}

// StopStream tears down the stream and removes it from the registry
func (m *Manager) StopStream(stream *Stream) error {
	err := stream.Teardown()
	m.RemoveStream(stream)
	return err
}

// Names returns the registered stream names sorted by app then name
func (m *Manager) Names() []models.StreamName {
	m.mu.RLock()
	names := make([]models.StreamName, 0, len(m.streams))
	for name := range m.streams {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Slice(names, func(i, j int) bool {
		if names[i].App != names[j].App {
			return names[i].App < names[j].App
		}
		return names[i].Name < names[j].Name
	})
	return names
}

// GetAllStreams returns all streams
func (m *Manager) GetAllStreams() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]*Stream, 0, len(m.streams))
	for _, stream := range m.streams {
		streams = append(streams, stream)
	}

	return streams
}

// GetStreamCount returns the total number of streams
func (m *Manager) GetStreamCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// Shutdown tears down every registered stream
func (m *Manager) Shutdown() {
	for _, stream := range m.GetAllStreams() {
		if err := m.StopStream(stream); err != nil {
			m.log.Warn().Err(err).Str("stream", stream.Name().String()).Msg("stream teardown reported errors")
		}
	}
}

package httpServer

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

var (
	errViewerQueueFull = errors.New("flv viewer queue full")
	errViewerClosed    = errors.New("flv viewer closed")
)

// flvViewer is an HTTP-FLV subscriber. The stream pushes tags into a bounded
// queue and the request goroutine copies them to the response.
type flvViewer struct {
	queue chan []byte

	mu     sync.Mutex
	closed bool
}

func newFLVViewer(size int) *flvViewer {
	return &flvViewer{queue: make(chan []byte, size)}
}

func (v *flvViewer) WriteFLV(b []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return errViewerClosed
	}
	select {
	case v.queue <- b:
		return nil
	default:
		return errViewerQueueFull
	}
}

func (v *flvViewer) Active() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.closed
}

// Close ends the response once the queued tags are written
func (v *flvViewer) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.closed = true
		close(v.queue)
	}
	return nil
}

// serve copies queued tags to w until the stream closes the viewer, the
// client goes away or a write fails
func (v *flvViewer) serve(ctx context.Context, w http.ResponseWriter) (int64, error) {
	flusher, _ := w.(http.Flusher)

	var written int64
	for {
		select {
		case b, ok := <-v.queue:
			if !ok {
				return written, nil
			}
			n, err := w.Write(b)
			written += int64(n)
			if err != nil {
				v.Close()
				return written, err
			}
			if flusher != nil && len(v.queue) == 0 {
				flusher.Flush()
			}
		case <-ctx.Done():
			v.Close()
			return written, ctx.Err()
		}
	}
}

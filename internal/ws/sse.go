package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

var errTransportClosed = errors.New("transport closed")

// sseTransport writes events as Server-Sent Events frames on a held-open
// response. Close only marks it closed; the handler owns the response.
type sseTransport struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
	done    <-chan struct{}
}

func newSSETransport(ctx context.Context, w io.Writer, f http.Flusher) *sseTransport {
	return &sseTransport{w: w, flusher: f, done: ctx.Done()}
}

func (t *sseTransport) Write(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	if _, err := fmt.Fprintf(t.w, "data: %s\n\n", msg); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *sseTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *sseTransport) Done() <-chan struct{} { return t.done }

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.orch.Registry().Get(id); !ok {
		writeNotFound(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	t := newSSETransport(r.Context(), w, flusher)
	b := s.orch.Broadcaster()
	c := b.AddClient(id, t)
	defer b.RemoveClient(id, c)

	// The session may have been deleted while we attached.
	if _, ok := s.orch.Registry().Get(id); !ok {
		return
	}
	s.logger.Debug("sse observer connected", "session_id", id, "remote", r.RemoteAddr)

	select {
	case <-c.Done():
	case <-r.Context().Done():
	}
	s.logger.Debug("sse observer disconnected", "session_id", id, "remote", r.RemoteAddr)
}

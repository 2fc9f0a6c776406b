package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/synckit"
)

// KeepAliveInterval is how often an idle event stream gets a comment line.
const KeepAliveInterval = 15 * time.Second

// broker fans pass results out to connected event streams. A slow client
// loses events rather than holding up the engine.
type broker struct {
	mu      sync.Mutex
	clients map[chan PassView]struct{}
}

func newBroker() *broker {
	return &broker{clients: make(map[chan PassView]struct{})}
}

func (b *broker) publish(res synckit.PassResult) {
	view := PassView{PassResult: res, Error: res.ErrorText()}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		select {
		case ch <- view:
		default:
		}
	}
}

func (b *broker) subscribe() chan PassView {
	ch := make(chan PassView, 16)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *broker) unsubscribe(ch chan PassView) {
	b.mu.Lock()
	delete(b.clients, ch)
	b.mu.Unlock()
}

// handleEvents streams every finished pass as a server-sent "pass" event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch := s.events.subscribe()
	defer s.events.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case view := <-ch:
			b, err := json.Marshal(view)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: pass\nid: %s\ndata: %s\n\n", view.PassID, b)
			flusher.Flush()
		}
	}
}

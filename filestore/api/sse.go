package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/benediktbwimmer/apphub-sub012/eventbus"
)

// sseHeartbeat keeps intermediaries from closing an idle stream.
const sseHeartbeat = 15 * time.Second

// streamEvents serves the event bus over server-sent events. An optional
// ?types=a,b,c query restricts delivery to the named event types.
func (server *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		server.serveError(w, r, Error.New("streaming unsupported by connection"))
		return
	}

	var wanted map[eventbus.Type]bool
	if raw := r.URL.Query().Get("types"); raw != "" {
		wanted = make(map[eventbus.Type]bool)
		for _, name := range strings.Split(raw, ",") {
			wanted[eventbus.Type(strings.TrimSpace(name))] = true
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Subscribers run on the publisher's goroutine, so hand events to this
	// request's goroutine through a buffered channel and drop when the
	// client cannot keep up.
	events := make(chan eventbus.Event, 64)
	cancel := server.bus.Subscribe(func(ctx context.Context, event eventbus.Event) {
		if wanted != nil && !wanted[event.Type] {
			return
		}
		select {
		case events <- event:
		default:
			mon.Counter("sse_dropped").Inc(1)
		}
	})
	defer cancel()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event := <-events:
			payload, err := json.Marshal(event)
			if err != nil {
				server.log.Error("encoding stream event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

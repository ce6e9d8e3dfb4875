package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"audiobookd/internal/events"
)

const sseKeepaliveInterval = 15 * time.Second

// streamEvents serves GET /api/events as Server-Sent Events. ?topics=
// narrows the subscription (comma-separated); default is everything.
// Disconnect tears the subscription down, no explicit unsubscribe exists.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			switch t {
			case events.TopicEngines, events.TopicJobs, events.TopicHosts:
				topics = append(topics, t)
			case "":
			default:
				writeJSONError(w, http.StatusBadRequest, "unknown topic "+t)
				return
			}
		}
	}

	sub := s.deps.Bus.Subscribe(topics...)
	defer s.deps.Bus.Unsubscribe(sub)
	sseSubscribers.Inc()
	defer sseSubscribers.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-sub.C():
			if !open {
				return
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				s.log.Warn().Err(err).Str("topic", ev.Topic).Msg("encode event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data)
			flusher.Flush()
		}
	}
}

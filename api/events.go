package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"docqueue/notify"

	"github.com/go-chi/chi/v5"
)

const keepAliveInterval = 15 * time.Second

// taskEvents streams status changes of one task as server-sent events and
// ends the stream once the task is terminal.
func (s *Server) taskEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fmt.Errorf("response writer does not support streaming"))
		return
	}

	// subscribe before reading so a change between the two is not lost
	events, cancel := s.events.Subscribe(id)
	defer cancel()

	task, err := s.store.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	current := notify.Event{TaskID: task.ID, Status: task.Status, Attempt: task.AttemptCount, At: task.UpdatedAt}
	if err := writeEvent(w, current); err != nil {
		return
	}
	flusher.Flush()
	if task.Status.Terminal() {
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Status.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev notify.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	return err
}

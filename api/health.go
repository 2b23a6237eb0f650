package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

const healthTimeout = 2 * time.Second

type CheckReply struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Workers *int   `json:"workers,omitempty"`
}

type HealthReply struct {
	Status string                `json:"status"`
	Checks map[string]CheckReply `json:"checks"`
}

func (HealthReply) Render(http.ResponseWriter, *http.Request) error { return nil }

var errNoWorkers = errors.New("no live workers")

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	reply := HealthReply{Status: "ok", Checks: map[string]CheckReply{}}
	check := func(name string, err error) CheckReply {
		c := CheckReply{Status: "ok"}
		if err != nil {
			c = CheckReply{Status: "error", Error: err.Error()}
			reply.Status = "unavailable"
		}
		reply.Checks[name] = c
		return c
	}

	check("store", s.store.Ping(ctx))
	check("backlog", s.backlog.Ping(ctx))
	check("blobs", s.blobs.Ping(ctx))

	n, err := s.registry.Count(ctx)
	if err == nil && n == 0 {
		err = errNoWorkers
	}
	c := check("workers", err)
	if err == nil || errors.Is(err, errNoWorkers) {
		c.Workers = &n
		reply.Checks["workers"] = c
	}

	status := http.StatusOK
	if reply.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	render.Status(r, status)
	_ = render.Render(w, r, reply)
}

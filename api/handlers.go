package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"docqueue/metrics"
	"docqueue/model"
	"docqueue/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type SubmitReply struct {
	TaskID string       `json:"task_id"`
	Status model.Status `json:"status"`
}

func (SubmitReply) Render(http.ResponseWriter, *http.Request) error { return nil }

type ResultReply struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type TaskReply struct {
	TaskID       string           `json:"task_id"`
	Status       model.Status     `json:"status"`
	Mode         model.Mode       `json:"mode"`
	Backend      string           `json:"backend,omitempty"`
	Filename     string           `json:"filename,omitempty"`
	AttemptCount int              `json:"attempt_count"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Result       *ResultReply     `json:"result,omitempty"`
	Error        *model.TaskError `json:"error,omitempty"`
}

func (TaskReply) Render(http.ResponseWriter, *http.Request) error { return nil }

type ListReply struct {
	Tasks []TaskReply `json:"tasks"`
}

func (ListReply) Render(http.ResponseWriter, *http.Request) error { return nil }

func newTaskReply(t *model.Task) TaskReply {
	reply := TaskReply{
		TaskID:       t.ID,
		Status:       t.Status,
		Mode:         t.Mode,
		Backend:      t.Backend,
		Filename:     t.Filename,
		AttemptCount: t.AttemptCount,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		Error:        t.Error,
	}
	if t.Result != nil {
		reply.Result = &ResultReply{
			URL:         "/tasks/" + t.ID + "/result",
			ContentType: t.Result.ContentType,
			Size:        t.Result.Size,
		}
	}
	return reply
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest

	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data" {
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	} else if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, r, invalid("invalid login request: %v", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, invalid("username and password are required"))
		return
	}

	tok, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	render.JSON(w, r, tok)
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, invalid("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, r, invalid("expected a multipart form with a file field: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	mode, err := model.ParseMode(r.FormValue("mode"))
	if err != nil {
		s.writeError(w, r, invalid("%v", err))
		return
	}

	c, backend, err := s.converters.Get(strings.TrimSpace(r.FormValue("backend")))
	if err != nil || c == nil {
		s.writeError(w, r, invalid("unknown backend %q, available: %s", backend, strings.Join(s.converters.Names(), ", ")))
		return
	}

	file, hdr, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, invalid("missing file field"))
		return
	}
	defer file.Close()
	if hdr.Size == 0 {
		s.writeError(w, r, invalid("file is empty"))
		return
	}

	filename := cleanFilename(hdr.Filename)
	key := fmt.Sprintf("inputs/%s/%s", uuid.NewString(), filename)
	if err := s.blobs.Put(ctx, key, file, hdr.Size, hdr.Header.Get("Content-Type")); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: failed to store upload: %w", store.ErrStorage, err))
		return
	}

	task, err := s.store.Create(ctx, store.NewTask{
		InputRef: key,
		Filename: filename,
		Mode:     mode,
		Backend:  backend,
	})
	if err != nil {
		_ = s.blobs.Delete(context.WithoutCancel(ctx), key)
		s.writeError(w, r, err)
		return
	}
	metrics.IncreaseTasksSubmittedMetric(string(mode))

	// The task row is durable; the orphan sweep re-pushes it if this fails.
	if err := s.dispatcher.Enqueue(ctx, task); err != nil {
		s.log.Warnw("failed to enqueue task, leaving it to recovery", "task_id", task.ID, "error", err)
	}

	s.log.Infow("task submitted", "task_id", task.ID, "mode", mode, "backend", backend, "bytes", hdr.Size)
	render.Status(r, http.StatusAccepted)
	_ = render.Render(w, r, SubmitReply{TaskID: task.ID, Status: task.Status})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = render.Render(w, r, newTaskReply(task))
}

// listTasks returns the newest tasks, optionally filtered by ?status=.
func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := model.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		s.writeError(w, r, invalid("unknown status %q", status))
		return
	}

	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			s.writeError(w, r, invalid("limit must be between 1 and %d", maxListLimit))
			return
		}
		limit = n
	}

	tasks, err := s.store.List(r.Context(), store.ListOptions{Status: status, Limit: limit})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reply := ListReply{Tasks: make([]TaskReply, 0, len(tasks))}
	for _, t := range tasks {
		reply.Tasks = append(reply.Tasks, newTaskReply(t))
	}
	_ = render.Render(w, r, reply)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, err := s.store.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if task.Status != model.StatusCompleted || task.Result == nil {
		s.writeError(w, r, fmt.Errorf("%w: task is %s", errNotReady, task.Status))
		return
	}

	rc, err := s.blobs.Get(ctx, task.Result.Ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer rc.Close()

	name := strings.TrimSuffix(task.Filename, path.Ext(task.Filename)) + ".md"
	w.Header().Set("Content-Type", task.Result.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(task.Result.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warnw("failed to stream result", "task_id", task.ID, "error", err)
	}
}

func cleanFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	switch name {
	case ".", "..", "/", "":
		return "document"
	}
	return name
}

package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docqueue/api"
	"docqueue/auth"
	"docqueue/blob"
	"docqueue/converter"
	"docqueue/model"
	"docqueue/notify"
	"docqueue/queue"
	"docqueue/store"
	"docqueue/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type convertFunc func(ctx context.Context, req converter.Request) (*converter.Output, error)

func (f convertFunc) Convert(ctx context.Context, req converter.Request) (*converter.Output, error) {
	return f(ctx, req)
}

// newStack serves the full api over memory components with a worker pool
// running fn.
func newStack(t *testing.T, fn convertFunc) *httptest.Server {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	authn, err := auth.NewLocalAuthenticator("test-secret", map[string]string{"alice": string(hash)}, time.Hour)
	require.NoError(t, err)

	s := store.NewMemory()
	hub := notify.NewHub()
	backlog := queue.NewMemoryBacklog()
	registry := queue.NewMemoryRegistry()
	blobs := blob.NewMemory()
	d := queue.NewDispatcher(s, backlog, queue.Options{
		MaxAttempts:  1,
		PollInterval: 10 * time.Millisecond,
		Notifier:     hub,
	})

	converters := converter.NewRegistry("libreoffice")
	converters.Register("libreoffice", fn)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if fn != nil {
		worker.NewPool(d, blobs, converters, registry, worker.Options{
			HeartbeatInterval: 50 * time.Millisecond,
			ConvertTimeout:    5 * time.Second,
			ErrorBackoff:      10 * time.Millisecond,
		}).Start(ctx, 1, &wg)
	}

	ts := httptest.NewServer(api.NewHandler(api.Deps{
		Store:      s,
		Dispatcher: d,
		Backlog:    backlog,
		Registry:   registry,
		Blobs:      blobs,
		Converters: converters,
		Auth:       authn,
		Events:     hub,
	}))
	t.Cleanup(func() {
		ts.Close()
		cancel()
		wg.Wait()
	})
	return ts
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLogin(t *testing.T) {
	ts := newStack(t, nil)
	c := New(ts.URL)

	tok, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.Equal(t, tok.AccessToken, c.Token())

	_, err = New(ts.URL).Login(context.Background(), "alice", "wrong")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, api.CodeUnauthorized, apiErr.Code)
}

func TestSubmitWaitAndResult(t *testing.T) {
	var gotMode model.Mode
	ts := newStack(t, func(_ context.Context, req converter.Request) (*converter.Output, error) {
		gotMode = req.Mode
		return &converter.Output{Markdown: append([]byte("# "), req.Input...)}, nil
	})
	c := New(ts.URL)
	ctx := context.Background()
	_, err := c.Login(ctx, "alice", "secret")
	require.NoError(t, err)

	reply, err := c.Submit(ctx, writeFile(t, "notes.docx", "hello"), SubmitOptions{ViaPDF: true})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, reply.Status)

	task, err := c.Wait(ctx, reply.TaskID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, task.Status)
	assert.Equal(t, model.ModeViaPDF, task.Mode)
	assert.Equal(t, model.ModeViaPDF, gotMode)
	assert.Equal(t, "notes.docx", task.Filename)

	var out bytes.Buffer
	require.NoError(t, c.Result(ctx, reply.TaskID, &out))
	assert.Equal(t, "# hello", out.String())
}

func TestWaitReturnsFailedTask(t *testing.T) {
	ts := newStack(t, func(context.Context, converter.Request) (*converter.Output, error) {
		return nil, errors.New("corrupt document")
	})
	c := New(ts.URL)
	ctx := context.Background()
	_, err := c.Login(ctx, "alice", "secret")
	require.NoError(t, err)

	reply, err := c.Submit(ctx, writeFile(t, "bad.docx", "x"), SubmitOptions{})
	require.NoError(t, err)

	task, err := c.Wait(ctx, reply.TaskID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Contains(t, task.Error.Message, "corrupt document")

	err = c.Result(ctx, reply.TaskID, &bytes.Buffer{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestList(t *testing.T) {
	ts := newStack(t, nil)
	c := New(ts.URL)
	ctx := context.Background()
	_, err := c.Login(ctx, "alice", "secret")
	require.NoError(t, err)

	first, err := c.Submit(ctx, writeFile(t, "a.docx", "x"), SubmitOptions{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := c.Submit(ctx, writeFile(t, "b.docx", "x"), SubmitOptions{})
	require.NoError(t, err)

	tasks, err := c.List(ctx, ListOptions{Status: model.StatusPending})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, second.TaskID, tasks[0].TaskID)
	assert.Equal(t, first.TaskID, tasks[1].TaskID)

	tasks, err = c.List(ctx, ListOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	tasks, err = c.List(ctx, ListOptions{Status: model.StatusCompleted})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	_, err = c.List(ctx, ListOptions{Status: "done"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestWaitTimesOutWithLastStatus(t *testing.T) {
	// No workers, so the task stays pending.
	ts := newStack(t, nil)
	c := New(ts.URL)
	_, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	reply, err := c.Submit(context.Background(), writeFile(t, "slow.docx", "x"), SubmitOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	task, err := c.Wait(ctx, reply.TaskID, 20*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, task)
	assert.Equal(t, model.StatusPending, task.Status)
}

func TestSubmitUnauthorized(t *testing.T) {
	ts := newStack(t, nil)
	_, err := New(ts.URL).Submit(context.Background(), writeFile(t, "a.docx", "x"), SubmitOptions{})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestSubmitUnknownBackend(t *testing.T) {
	ts := newStack(t, nil)
	c := New(ts.URL)
	_, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	_, err = c.Submit(context.Background(), writeFile(t, "a.docx", "x"), SubmitOptions{Backend: "nope"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, api.CodeInvalidRequest, apiErr.Code)
}

func TestTaskNotFound(t *testing.T) {
	ts := newStack(t, nil)
	c := New(ts.URL)
	_, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)

	_, err = c.Task(context.Background(), "does-not-exist")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	// 4xx ends a wait right away.
	_, err = c.Wait(context.Background(), "does-not-exist", time.Millisecond)
	require.ErrorAs(t, err, &apiErr)
}

func TestWaitRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"task_id":"t1","status":"completed","mode":"direct_markdown"}`))
	}))
	defer ts.Close()

	task, err := New(ts.URL, WithToken("tok")).Wait(context.Background(), "t1", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, task.Status)
	assert.Equal(t, int32(3), calls.Load())
}

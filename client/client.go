package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"docqueue/api"
	"docqueue/auth"
	"docqueue/model"
)

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Token() string { return c.token }

// Login exchanges credentials for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*auth.Token, error) {
	body, err := json.Marshal(api.LoginRequest{Username: username, Password: password})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var tok auth.Token
	if err := c.doJSON(req, &tok); err != nil {
		return nil, err
	}
	c.token = tok.AccessToken
	return &tok, nil
}

type SubmitOptions struct {
	ViaPDF  bool
	Backend string
}

func (c *Client) Submit(ctx context.Context, path string, opts SubmitOptions) (*api.SubmitReply, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("mode", strconv.FormatBool(opts.ViaPDF)); err != nil {
				return err
			}
			if opts.Backend != "" {
				if err := mw.WriteField("backend", opts.Backend); err != nil {
					return err
				}
			}
			fw, err := mw.CreateFormFile("file", filepath.Base(path))
			if err != nil {
				return err
			}
			if _, err := io.Copy(fw, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks/submit", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var reply api.SubmitReply
	if err := c.doJSON(req, &reply); err != nil {
		pr.Close()
		return nil, err
	}
	return &reply, nil
}

func (c *Client) Task(ctx context.Context, id string) (*api.TaskReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var reply api.TaskReply
	if err := c.doJSON(req, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

type ListOptions struct {
	Status model.Status
	Limit  int
}

// List returns the newest tasks first.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]api.TaskReply, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	u := c.baseURL + "/tasks"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var reply api.ListReply
	if err := c.doJSON(req, &reply); err != nil {
		return nil, err
	}
	return reply.Tasks, nil
}

// Result copies the Markdown produced for a completed task into w.
func (c *Client) Result(ctx context.Context, id string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tasks/"+url.PathEscape(id)+"/result", nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

// Wait polls the task until it is terminal or ctx is done. On ctx expiry it
// returns the last status seen together with ctx's error.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*api.TaskReply, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *api.TaskReply
	for {
		task, err := c.Task(ctx, id)
		switch {
		case err == nil:
			last = task
			if task.Status.Terminal() {
				return task, nil
			}
		case ctx.Err() != nil:
			return last, ctx.Err()
		case !retryable(err):
			return last, err
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var reply api.ErrorReply
	if json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&reply) == nil {
		apiErr.Code = reply.Error.Code
		apiErr.Message = reply.Error.Message
	}
	return nil, apiErr
}

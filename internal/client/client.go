// Package client talks to the Resume Rooster API over HTTP. It implements
// the conversation controller's backend for remote front ends.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/resume-rooster/internal/conversation"
	"github.com/ashureev/resume-rooster/internal/domain"
	"github.com/ashureev/resume-rooster/internal/identity"
	"github.com/ashureev/resume-rooster/internal/stream"
)

const defaultTimeout = 30 * time.Second

var _ conversation.Backend = (*Client)(nil)

// Client is an API client bound to one client ID.
type Client struct {
	base     string
	clientID string
	http     *http.Client
	stream   *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL, clientID string) *Client {
	return &Client{
		base:     strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		http:     &http.Client{Timeout: defaultTimeout},
		// Turns stream for as long as the run takes.
		stream: &http.Client{},
	}
}

// UploadResult is the server's answer to an upload.
type UploadResult struct {
	Success bool                  `json:"success"`
	Files   []domain.UploadedFile `json:"files"`
	Evicted []domain.UploadedFile `json:"evicted"`
	Skipped []string              `json:"skipped"`
	Tokens  int                   `json:"tokens"`
	Message string                `json:"message"`
}

// AssistantID returns the server's assistant, creating it if needed.
func (c *Client) AssistantID(ctx context.Context) (string, error) {
	var out struct {
		AssistantID string `json:"assistantId"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/assistants", nil, &out); err != nil {
		return "", err
	}
	return out.AssistantID, nil
}

// CreateThread implements conversation.Threads.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var out struct {
		ThreadID string `json:"threadId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/assistants/threads", nil, &out); err != nil {
		return "", err
	}
	if out.ThreadID == "" {
		return "", fmt.Errorf("%w: create thread: empty thread id", domain.ErrUpstream)
	}
	return out.ThreadID, nil
}

// DeleteThread deletes a thread on the server.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	return c.do(ctx, http.MethodDelete, "/api/assistants/threads/"+url.PathEscape(threadID), nil, nil)
}

// CancelActiveRuns implements conversation.Threads.
func (c *Client) CancelActiveRuns(ctx context.Context, threadID string) (domain.CancelResult, error) {
	var out domain.CancelResult
	err := c.do(ctx, http.MethodPost, "/api/assistants/threads/"+url.PathEscape(threadID)+"/cancel-runs", nil, &out)
	return out, err
}

// ListMessages implements conversation.Threads.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]domain.ThreadMessage, error) {
	var out struct {
		Messages []domain.ThreadMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/assistants/threads/"+url.PathEscape(threadID)+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// StartTurn implements conversation.Transport.
func (c *Client) StartTurn(ctx context.Context, threadID, content string) iter.Seq2[stream.Event, error] {
	return c.turn(ctx, "/api/assistants/threads/"+url.PathEscape(threadID)+"/messages",
		map[string]string{"content": content})
}

// SubmitToolOutputs implements conversation.Transport.
func (c *Client) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []stream.ToolOutput) iter.Seq2[stream.Event, error] {
	return c.turn(ctx, "/api/assistants/threads/"+url.PathEscape(threadID)+"/actions", map[string]any{
		"runId":           runID,
		"toolCallOutputs": outputs,
	})
}

func (c *Client) turn(ctx context.Context, path string, body any) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		req, err := c.newRequest(ctx, http.MethodPost, path, body)
		if err != nil {
			yield(stream.Event{}, err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		c.identify(req)

		res, err := c.stream.Do(req)
		if err != nil {
			yield(stream.Event{}, fmt.Errorf("%w: %s: %w", domain.ErrTransport, path, err))
			return
		}
		if res.StatusCode != http.StatusOK {
			defer res.Body.Close()
			yield(stream.Event{}, decodeError(res))
			return
		}
		for evt, err := range stream.Read(res) {
			if err != nil {
				err = fmt.Errorf("%w: %w", domain.ErrTransport, err)
			}
			if !yield(evt, err) || err != nil {
				return
			}
		}
	}
}

// ListFiles returns the stored documents of fileType, or all when empty.
func (c *Client) ListFiles(ctx context.Context, fileType domain.FileType) ([]domain.UploadedFile, error) {
	path := "/api/assistants/files"
	if fileType != "" {
		path += "?fileType=" + url.QueryEscape(string(fileType))
	}
	var out struct {
		Files []domain.UploadedFile `json:"files"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// LocalFile is a document read from disk for upload.
type LocalFile struct {
	Name    string
	Content io.Reader
}

// UploadFiles sends files as one multipart upload.
func (c *Client) UploadFiles(ctx context.Context, fileType domain.FileType, files []LocalFile) (UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("fileType", string(fileType)); err != nil {
		return UploadResult{}, err
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile("file", f.Name)
		if err != nil {
			return UploadResult{}, err
		}
		if _, err := io.Copy(fw, f.Content); err != nil {
			return UploadResult{}, fmt.Errorf("read %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return UploadResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/assistants/files", &buf)
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out UploadResult
	err = c.send(req, &out)
	return out, err
}

// UploadText stores pasted text as a document of fileType.
func (c *Client) UploadText(ctx context.Context, fileType domain.FileType, text string) (UploadResult, error) {
	var out UploadResult
	err := c.do(ctx, http.MethodPost, "/api/assistants/files", map[string]string{
		"text":     text,
		"fileType": string(fileType),
	}, &out)
	return out, err
}

// UploadURL imports a web page as a document of fileType.
func (c *Client) UploadURL(ctx context.Context, fileType domain.FileType, pageURL string) (UploadResult, error) {
	var out UploadResult
	err := c.do(ctx, http.MethodPost, "/api/assistants/files", map[string]string{
		"url":      pageURL,
		"fileType": string(fileType),
	}, &out)
	return out, err
}

// DeleteFile removes one document.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	return c.do(ctx, http.MethodDelete, "/api/assistants/files/"+url.PathEscape(fileID), nil, nil)
}

// DeleteAll removes every stored document.
func (c *Client) DeleteAll(ctx context.Context) (domain.DeleteAllResult, error) {
	var out domain.DeleteAllResult
	err := c.do(ctx, http.MethodDelete, "/api/assistants/files", nil, &out)
	return out, err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *Client) identify(req *http.Request) {
	if c.clientID != "" {
		req.Header.Set(identity.HeaderName, c.clientID)
	}
}

func (c *Client) send(req *http.Request, out any) error {
	c.identify(req)
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", domain.ErrTransport, req.Method, req.URL.Path, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		return decodeError(res)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %w", domain.ErrTransport, req.URL.Path, err)
	}
	return nil
}

// decodeError maps an error response back onto the domain taxonomy.
func decodeError(res *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
		if body.Error == "" {
			body.Error = res.Status
		}
	}

	var kind error
	switch {
	case res.StatusCode == http.StatusNotFound:
		kind = domain.ErrNotFound
	case res.StatusCode == http.StatusConflict:
		kind = domain.ErrState
	case res.StatusCode == http.StatusTooManyRequests:
		kind = domain.ErrTransport
	case res.StatusCode < http.StatusInternalServerError:
		kind = domain.ErrValidation
	default:
		kind = domain.ErrUpstream
	}
	return fmt.Errorf("%w: %s", kind, body.Error)
}

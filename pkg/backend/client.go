package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	PathChat           = "/chat"
	PathToolCallResult = "/tool-call-result"
	PathSummarize      = "/generate-summary"
	PathGetSummary     = "/get-summary/"
	PathReviewVideos   = "/car-review-videos"

	DefaultTimeout = 60 * time.Second

	maxErrorBody = 4096
)

// ErrMalformedResponse is returned when a 2xx response cannot be decoded or
// lacks a field the session depends on.
var ErrMalformedResponse = errors.New("malformed backend response")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: backend returned status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: backend returned status %d: %s", e.Op, e.Code, e.Message)
}

// Client talks to the assistant backend over JSON/HTTP. It does not retry.
type Client struct {
	baseURL *url.URL
	http    *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) {
		if d > 0 {
			cl.http = &http.Client{Timeout: d, Transport: cl.http.Transport}
		}
	}
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("backend client: empty base url")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "backend client: parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("backend client: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*SendMessageResponse, error) {
	var resp SendMessageResponse
	if err := c.do(ctx, "send message", http.MethodPost, PathChat, req, &resp); err != nil {
		return nil, err
	}
	if resp.ConversationHistory == nil {
		return nil, errors.Wrap(ErrMalformedResponse, "send message: missing conversation_history")
	}
	return &resp, nil
}

func (c *Client) ResolveToolCall(ctx context.Context, req ResolveToolCallRequest) (*ResolveToolCallResponse, error) {
	var resp ResolveToolCallResponse
	if err := c.do(ctx, "resolve tool call", http.MethodPost, PathToolCallResult, req, &resp); err != nil {
		return nil, err
	}
	if resp.FinalConversationHistory == nil {
		return nil, errors.Wrap(ErrMalformedResponse, "resolve tool call: missing final_conversation_history")
	}
	return &resp, nil
}

func (c *Client) Summarize(ctx context.Context, req SummarizeRequest) (*SummarizeResponse, error) {
	var resp SummarizeResponse
	if err := c.do(ctx, "summarize", http.MethodPost, PathSummarize, req, &resp); err != nil {
		return nil, err
	}
	if resp.Summary == nil {
		return nil, errors.Wrap(ErrMalformedResponse, "summarize: missing summary")
	}
	return &resp, nil
}

// GetSummary fetches a previously generated summary by conversation id.
func (c *Client) GetSummary(ctx context.Context, conversationID string) (*Summary, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("get summary: empty conversation id")
	}
	var resp SummarizeResponse
	if err := c.do(ctx, "get summary", http.MethodGet, PathGetSummary+url.PathEscape(conversationID), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Summary == nil {
		return nil, errors.Wrap(ErrMalformedResponse, "get summary: missing summary")
	}
	return resp.Summary, nil
}

// CarReviewVideos searches review videos for a car. A 400 (make or model
// missing) or 500 comes back as a *StatusError carrying the backend's message.
// A 2xx may still carry Error, for instance when the video search is not
// configured on the backend.
func (c *Client) CarReviewVideos(ctx context.Context, req CarReviewVideosRequest) (*CarReviewVideosResponse, error) {
	var resp CarReviewVideosResponse
	if err := c.do(ctx, "car review videos", http.MethodPost, PathReviewVideos, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "%s: encode request", op)
		}
		body = bytes.NewReader(b)
	}

	u := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return errors.Wrapf(err, "%s: build request", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, op)
	}
	defer func() { _ = resp.Body.Close() }()

	log.Debug().
		Str("component", "backend").
		Str("op", op).
		Str("url", u.String()).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("backend call finished")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil {
		return errors.Wrapf(ErrMalformedResponse, "%s: %v", op, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	se := &StatusError{Op: op, Code: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		se.Message = payload.Error
	} else {
		se.Message = strings.TrimSpace(string(raw))
	}
	return se
}

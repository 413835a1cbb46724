package mediastage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultTimeout = 28 * time.Second

	// Only a bounded prefix of a non-2xx body is kept for diagnostics.
	maxErrorBodyBytes = 2048
)

// Stage identifies one of the three pipeline steps.
type Stage string

const (
	StageImages Stage = "images"
	StageScript Stage = "script"
	StageVideo  Stage = "video"
)

// ResultKind classifies the outcome of a stage dispatch.
type ResultKind string

const (
	ResultSuccess        ResultKind = "success"
	ResultRemoteRejected ResultKind = "remote_rejected"
	ResultUnreachable    ResultKind = "unreachable"
	ResultMalformed      ResultKind = "malformed_response"
)

// StageResult is the classified outcome of a Call. The orchestrator treats
// every non-success kind the same way (fail the job, refund the stage cost);
// the kind is kept only for the job's error message.
type StageResult struct {
	Kind       ResultKind
	StatusCode int
	Body       []byte
	Cause      error
}

// OK reports whether the dispatch was accepted by the remote service.
func (r StageResult) OK() bool {
	return r.Kind == ResultSuccess
}

// Diagnostic renders a short human-readable description for error_message.
func (r StageResult) Diagnostic() string {
	switch r.Kind {
	case ResultSuccess:
		return ""
	case ResultRemoteRejected:
		return fmt.Sprintf("media stage service rejected the request (status %d)", r.StatusCode)
	case ResultMalformed:
		return "media stage service returned a malformed response"
	default:
		if r.Cause != nil {
			return fmt.Sprintf("media stage service unreachable: %v", r.Cause)
		}
		return "media stage service unreachable"
	}
}

// Scene is one script scene sent to (and received from) the renderer.
type Scene struct {
	Dialogue string `json:"dialogue"`
	Action   string `json:"action"`
	Emotion  string `json:"emotion"`
}

// PropertySummary is the denormalized listing snapshot included with every
// stage call so the remote service never has to read our database.
type PropertySummary struct {
	Title           string          `json:"title"`
	Price           float64         `json:"price"`
	Currency        string          `json:"currency"`
	Location        string          `json:"location"`
	Characteristics json.RawMessage `json:"characteristics,omitempty"`
	Bonuses         json.RawMessage `json:"bonuses,omitempty"`
}

// StagePayload is the JSON body of an outbound stage call.
type StagePayload struct {
	JobID    string          `json:"job_id"`
	UserID   string          `json:"user_id"`
	Property PropertySummary `json:"property"`
	Notes    string          `json:"notes,omitempty"`
	Images   []string        `json:"images,omitempty"`
	Script   []Scene         `json:"script,omitempty"`
}

type dispatchAck struct {
	Accepted bool `json:"accepted"`
}

// Client is the outbound HTTP client for the Media Stage Service.
type Client struct {
	baseURL string
	token   string
	ua      string
	http    *http.Client
}

// NewClient creates a Media Stage Service client.
func NewClient(baseURL, token string, timeout time.Duration, ua string) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		ua:      ua,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// Call dispatches one stage request. The remote service acknowledges the
// dispatch synchronously; the stage artifacts arrive later on our callback
// endpoints. Never returns an error: every outcome is a classified result.
func (c *Client) Call(ctx context.Context, stage Stage, payload StagePayload) StageResult {
	if c == nil || c.http == nil || strings.TrimSpace(c.baseURL) == "" {
		return StageResult{Kind: ResultUnreachable, Cause: errors.New("media stage client not configured")}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return StageResult{Kind: ResultUnreachable, Cause: fmt.Errorf("encode payload: %w", err)}
	}

	url := fmt.Sprintf("%s/v1/stages/%s", c.baseURL, stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return StageResult{Kind: ResultUnreachable, Cause: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return StageResult{Kind: ResultUnreachable, Cause: classifyRequestError(ctx, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		prefix, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return StageResult{Kind: ResultRemoteRejected, StatusCode: resp.StatusCode, Body: prefix}
	}

	ackBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return StageResult{Kind: ResultMalformed, StatusCode: resp.StatusCode, Cause: err}
	}

	var ack dispatchAck
	if err := json.Unmarshal(ackBody, &ack); err != nil || !ack.Accepted {
		return StageResult{Kind: ResultMalformed, StatusCode: resp.StatusCode, Body: ackBody}
	}

	return StageResult{Kind: ResultSuccess, StatusCode: resp.StatusCode, Body: ackBody}
}

func classifyRequestError(ctx context.Context, err error) error {
	if isTimeoutError(ctx, err) {
		return fmt.Errorf("timeout: %w", err)
	}
	return err
}

func isTimeoutError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

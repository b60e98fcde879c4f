// Package backend is the REST client the tracking views use to fetch
// authoritative job state and to post customer and cleaner actions.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/example/cleaner-tracking/internal/models"
)

var ErrRequestFailed = errors.New("backend request failed")

// Envelope is the shape of every backend response.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// APIError is a response with success=false or a non-2xx status.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return fmt.Sprintf("backend: %d %s", e.Status, e.Message) }

// Identity headers stand in for the session credential.
const (
	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-User-Role"
)

type Client struct {
	BaseURL string
	UserID  string
	Role    string
	HTTP    *http.Client
}

func NewClient(baseURL, userID, role string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		UserID:  userID,
		Role:    role,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.UserID != "" {
		req.Header.Set(HeaderUserID, c.UserID)
		req.Header.Set(HeaderRole, c.Role)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errors.Mark(&APIError{Status: resp.StatusCode, Message: "malformed response"}, ErrRequestFailed)
	}
	if !env.Success || resp.StatusCode >= 300 {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return errors.WithHint(errors.Mark(&APIError{Status: resp.StatusCode, Message: msg}, ErrRequestFailed), msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errors.Wrapf(err, "decode %s %s", method, path)
		}
	}
	return nil
}

func jobPath(jobID string, parts ...string) string {
	p := "/api/v1/jobs/" + url.PathEscape(jobID)
	for _, s := range parts {
		p += "/" + url.PathEscape(s)
	}
	return p
}

// FetchSnapshot loads the job with its occurrences and pending extra time.
func (c *Client) FetchSnapshot(ctx context.Context, jobID string) (models.Snapshot, error) {
	var s models.Snapshot
	err := c.do(ctx, http.MethodGet, jobPath(jobID), nil, &s)
	return s, err
}

func (c *Client) StartJob(ctx context.Context, jobID string) (models.Job, error) {
	var j models.Job
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "start"), nil, &j)
	return j, err
}

func (c *Client) ConfirmJob(ctx context.Context, jobID string) (models.Job, error) {
	var j models.Job
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "confirm"), nil, &j)
	return j, err
}

func (c *Client) StartOccurrence(ctx context.Context, jobID, occID string) (models.Occurrence, error) {
	var o models.Occurrence
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "occurrences", occID, "start"), nil, &o)
	return o, err
}

func (c *Client) ConfirmOccurrence(ctx context.Context, jobID, occID string) (models.Occurrence, error) {
	var o models.Occurrence
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "occurrences", occID, "confirm"), nil, &o)
	return o, err
}

func (c *Client) RejectOccurrence(ctx context.Context, jobID, occID string) (models.Occurrence, error) {
	var o models.Occurrence
	err := c.do(ctx, http.MethodPost, jobPath(jobID, "occurrences", occID, "reject"), nil, &o)
	return o, err
}

// ResolveExtraTime accepts or rejects a request.
func (c *Client) ResolveExtraTime(ctx context.Context, reqID string, accept bool) (models.ExtraTimeRequest, error) {
	verb := "reject"
	if accept {
		verb = "accept"
	}
	var r models.ExtraTimeRequest
	err := c.do(ctx, http.MethodPost, "/api/v1/extra-time/"+url.PathEscape(reqID)+"/"+verb, nil, &r)
	return r, err
}

// LastLocation returns the cleaner's last known location for the job.
func (c *Client) LastLocation(ctx context.Context, jobID string) (models.CleanerLocation, error) {
	var l models.CleanerLocation
	err := c.do(ctx, http.MethodGet, jobPath(jobID, "location"), nil, &l)
	return l, err
}

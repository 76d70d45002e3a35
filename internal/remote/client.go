package remote

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

	"github.com/joescharf/wake/internal/alarmerr"
	"github.com/joescharf/wake/internal/models"
)

// Client talks to a remote store over HTTP/JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. A zero timeout means 10s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) userPath(userID string, parts ...string) string {
	p := c.baseURL + "/v1/users/" + url.PathEscape(userID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) FetchAlarms(ctx context.Context, userID string) ([]*models.AlarmDefinition, error) {
	var defs []*models.AlarmDefinition
	if err := c.do(ctx, http.MethodGet, c.userPath(userID, "alarms"), "", "", nil, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func (c *Client) UpsertAlarm(ctx context.Context, def *models.AlarmDefinition, key string) error {
	return c.do(ctx, http.MethodPut, c.userPath(def.UserID, "alarms", def.ID), def.ID, key, def, nil)
}

func (c *Client) DeleteAlarm(ctx context.Context, userID, alarmID, key string) error {
	return c.do(ctx, http.MethodDelete, c.userPath(userID, "alarms", alarmID), alarmID, key, nil, nil)
}

func (c *Client) FetchSessions(ctx context.Context, userID string) ([]*models.AlarmSession, error) {
	var list []*models.AlarmSession
	if err := c.do(ctx, http.MethodGet, c.userPath(userID, "sessions"), "", "", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) RecordSession(ctx context.Context, s *models.AlarmSession, key string) error {
	return c.do(ctx, http.MethodPut, c.userPath(s.UserID, "sessions", s.ID), s.AlarmID, key, s, nil)
}

// do performs one request and maps failures onto the error taxonomy:
// transport errors, 429 and 5xx are retryable, 410 is a conflict, any other
// 4xx is a rejection.
func (c *Client) do(ctx context.Context, method, u, alarmID, key string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return alarmerr.ReconciliationFailure(alarmID, "encode request", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return alarmerr.ReconciliationFailure(alarmID, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return alarmerr.Retryable(fmt.Sprintf("%s %s", method, req.URL.Path), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return alarmerr.Retryable("decode response", err)
		}
		return nil
	}

	var eb errorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
		eb.Error = strings.TrimSpace(string(raw))
	}
	msg := fmt.Sprintf("%s %s: %d %s", method, req.URL.Path, resp.StatusCode, eb.Error)

	switch {
	case resp.StatusCode == http.StatusGone:
		return alarmerr.SyncConflict(alarmID, eb.Error)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return alarmerr.Retryable(msg, nil)
	default:
		return alarmerr.ReconciliationFailure(alarmID, msg, nil)
	}
}

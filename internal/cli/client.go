// Package cli is the HTTP client behind the tsim command.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tradesim/internal/auth"
)

// APIError is a non-2xx answer from the server. Status 0 never occurs; a
// transport failure is returned as a plain error instead.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Body)
}

// IsOffline reports whether err means the request never got an answer.
func IsOffline(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 && apiErr.Status != http.StatusNotImplemented
	}
	return !errors.Is(err, context.Canceled)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) Signup(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/signup", "", map[string]any{
		"email":    email,
		"password": password,
	}, &out, "")
	return out, err
}

func (c *Client) Login(ctx context.Context, email, password string) (auth.Session, error) {
	var out auth.Session
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": password,
	}, &out, "")
	return out, err
}

func sessionRoute(stockID, suffix string) string {
	return "/v1/sessions/" + url.PathEscape(stockID) + suffix
}

func (c *Client) CreateSession(ctx context.Context, token, id string) (map[string]any, error) {
	body := map[string]any{}
	if id != "" {
		body["id"] = id
	}
	return c.Do(ctx, http.MethodPost, "/v1/sessions", token, body, "")
}

func (c *Client) ListSessions(ctx context.Context, token string) (map[string]any, error) {
	return c.Do(ctx, http.MethodGet, "/v1/sessions", token, nil, "")
}

func (c *Client) Session(ctx context.Context, token, stockID string) (map[string]any, error) {
	return c.Do(ctx, http.MethodGet, sessionRoute(stockID, ""), token, nil, "")
}

func (c *Client) SetPhase(ctx context.Context, token, stockID, phase string) (map[string]any, error) {
	return c.Do(ctx, http.MethodPost, sessionRoute(stockID, "/phase"), token, map[string]any{"phase": phase}, "")
}

func (c *Client) InitRound(ctx context.Context, token, stockID string, round int) (map[string]any, error) {
	return c.Do(ctx, http.MethodPost, sessionRoute(stockID, "/init"), token, map[string]any{"round": round}, "")
}

func (c *Client) Settle(ctx context.Context, token, stockID string, end bool) (map[string]any, error) {
	suffix := "/settle"
	if end {
		suffix = "/end"
	}
	return c.Do(ctx, http.MethodPost, sessionRoute(stockID, suffix), token, nil, "")
}

func (c *Client) Reconcile(ctx context.Context, token, stockID string) (map[string]any, error) {
	return c.Do(ctx, http.MethodPost, sessionRoute(stockID, "/reconcile"), token, nil, "")
}

func (c *Client) Join(ctx context.Context, token, stockID, nickname, gender, intro string) (map[string]any, error) {
	return c.Do(ctx, http.MethodPost, sessionRoute(stockID, "/players"), token, map[string]any{
		"nickname":     nickname,
		"gender":       gender,
		"introduction": intro,
	}, "")
}

func (c *Client) Me(ctx context.Context, token, stockID string) (map[string]any, error) {
	return c.Do(ctx, http.MethodGet, sessionRoute(stockID, "/players/me"), token, nil, "")
}

func (c *Client) Ranking(ctx context.Context, token, stockID string, force bool) (map[string]any, error) {
	suffix := "/ranking"
	if force {
		suffix += "?force=true"
	}
	return c.Do(ctx, http.MethodGet, sessionRoute(stockID, suffix), token, nil, "")
}

// OrderPath is the route a buy or sell goes to; queued orders store it.
func OrderPath(stockID, action string) string {
	return sessionRoute(stockID, "/"+strings.ToLower(action))
}

func OrderBody(company string, amount, unitPrice int64, round int) map[string]any {
	return map[string]any{
		"company":    company,
		"amount":     amount,
		"unit_price": unitPrice,
		"round":      round,
	}
}

func (c *Client) DrawInfo(ctx context.Context, token, stockID, idem string) (map[string]any, error) {
	return c.Do(ctx, http.MethodPost, sessionRoute(stockID, "/draw-info"), token, nil, idem)
}

func (c *Client) Loan(ctx context.Context, token, stockID, idem string, settle bool) (map[string]any, error) {
	suffix := "/loan"
	if settle {
		suffix += "/settle"
	}
	return c.Do(ctx, http.MethodPost, sessionRoute(stockID, suffix), token, nil, idem)
}

func (c *Client) DeadLetters(ctx context.Context, token string, limit int) (map[string]any, error) {
	return c.Do(ctx, http.MethodGet, fmt.Sprintf("/v1/outbox/dead-letters?limit=%d", limit), token, nil, "")
}

func (c *Client) Requeue(ctx context.Context, token, id string) (map[string]any, error) {
	return c.Do(ctx, http.MethodPost, "/v1/outbox/"+url.PathEscape(id)+"/requeue", token, nil, "")
}

func (c *Client) Do(ctx context.Context, method, path, accessToken string, body map[string]any, idem string) (map[string]any, error) {
	var out map[string]any
	var in any
	if body != nil {
		in = body
	}
	err := c.jsonRequest(ctx, method, path, accessToken, in, &out, idem)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

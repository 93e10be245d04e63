// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package client is the Go client for the event engine: an HTTP client for
// the store API, a reconnecting WebSocket sync channel, and a reconciler
// that folds the two into a live notebook projection.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eventbook/eventbook/services/notebook/datatypes"
	"github.com/eventbook/eventbook/services/notebook/eventlog"
)

// DefaultTimeout bounds one HTTP request.
const DefaultTimeout = 30 * time.Second

// Client talks to the event engine's HTTP API.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the engine at baseURL,
// e.g. "http://localhost:8080".
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// submitRequest is the submit body; mirrors the server's contract.
type submitRequest struct {
	ID        string          `json:"id,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type eventsResponse struct {
	StoreID string            `json:"store_id"`
	Events  []datatypes.Event `json:"events"`
}

type storesResponse struct {
	Stores []string `json:"stores"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SubmitEvent appends one event to the store and returns it as stored,
// version included. A non-empty eventID makes the submit idempotent: a
// retry of an already-applied submit fails with a conflict rather than
// double-appending.
func (c *Client) SubmitEvent(ctx context.Context, storeID, eventID, eventType string, payload json.RawMessage) (datatypes.Event, error) {
	body, err := json.Marshal(submitRequest{ID: eventID, EventType: eventType, Payload: payload})
	if err != nil {
		return datatypes.Event{}, fmt.Errorf("marshal submit request: %w", err)
	}

	var stored datatypes.Event
	err = c.do(ctx, http.MethodPost, "/v1/stores/"+url.PathEscape(storeID)+"/events", body, http.StatusCreated, &stored)
	if err != nil {
		return datatypes.Event{}, err
	}
	return stored, nil
}

// EventsOptions narrows an Events call.
type EventsOptions struct {
	AfterVersion   int64
	SinceTimestamp int64
	EventTypes     []string
	Offset         int
	Limit          int
}

// Events returns the store's events in ascending version order.
func (c *Client) Events(ctx context.Context, storeID string, opts EventsOptions) ([]datatypes.Event, error) {
	q := url.Values{}
	if opts.AfterVersion > 0 {
		q.Set("after_version", strconv.FormatInt(opts.AfterVersion, 10))
	}
	if opts.SinceTimestamp > 0 {
		q.Set("since_timestamp", strconv.FormatInt(opts.SinceTimestamp, 10))
	}
	for _, et := range opts.EventTypes {
		q.Add("event_type", et)
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	path := "/v1/stores/" + url.PathEscape(storeID) + "/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var body eventsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

// StoreInfo returns the store's event count and latest version.
func (c *Client) StoreInfo(ctx context.Context, storeID string) (eventlog.AggregateInfo, error) {
	var info eventlog.AggregateInfo
	err := c.do(ctx, http.MethodGet, "/v1/stores/"+url.PathEscape(storeID), nil, http.StatusOK, &info)
	return info, err
}

// Stores lists every store id the engine knows about.
func (c *Client) Stores(ctx context.Context) ([]string, error) {
	var body storesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/stores", nil, http.StatusOK, &body); err != nil {
		return nil, err
	}
	return body.Stores, nil
}

// Health reports whether the engine answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, http.StatusOK, nil)
}

// WebSocketURL returns the ws:// (or wss://) URL of a store's event feed.
func (c *Client) WebSocketURL(storeID string) string {
	wsBase := c.baseURL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	return wsBase + "/v1/stores/" + url.PathEscape(storeID) + "/ws"
}

// do runs one request and decodes the response into out (when non-nil).
// Non-2xx responses are mapped back onto the engine's error taxonomy so
// callers can use the datatypes.Is* helpers.
func (c *Client) do(ctx context.Context, method, path string, body []byte, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var body errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = resp.Status
		}
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return &datatypes.ValidationError{Reason: body.Error}
	case http.StatusNotFound:
		return &datatypes.NotFoundError{Kind: "store", ID: body.Error}
	case http.StatusConflict:
		return &datatypes.DuplicateEventError{EventID: body.Error}
	default:
		return fmt.Errorf("engine error (%d %s): %s", resp.StatusCode, body.Code, body.Error)
	}
}

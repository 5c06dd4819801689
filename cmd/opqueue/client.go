// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/routes"
)

// queueClient talks to the /dy-queue endpoint of a running server.
type queueClient struct {
	url  string
	http *http.Client
}

func newQueueClient(server, base string, timeout time.Duration) *queueClient {
	return &queueClient{
		url:  strings.TrimSuffix(server, "/") + strings.TrimSuffix(base, "/") + routes.QueuePath,
		http: &http.Client{Timeout: timeout},
	}
}

// statusError is a non-200 answer from the server.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, strings.TrimSpace(e.Body))
}

func (c *queueClient) Get(ctx context.Context) (datatypes.Snapshot, error) {
	var snap datatypes.Snapshot
	err := c.do(ctx, http.MethodGet, nil, &snap)
	return snap, err
}

func (c *queueClient) Insert(ctx context.Context, payload string) (datatypes.Result, error) {
	var res datatypes.Result
	err := c.do(ctx, http.MethodPost, map[string]string{"data": payload}, &res)
	return res, err
}

func (c *queueClient) Drop(ctx context.Context) (datatypes.Result, error) {
	var res datatypes.Result
	err := c.do(ctx, http.MethodDelete, nil, &res)
	return res, err
}

func (c *queueClient) do(ctx context.Context, method string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, c.url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &statusError{Code: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

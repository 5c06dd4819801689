// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/opqueue/services/opqueue/datatypes"
	"github.com/AleutianAI/opqueue/services/opqueue/engine"
	"github.com/AleutianAI/opqueue/services/opqueue/middleware"
	"github.com/AleutianAI/opqueue/services/opqueue/stores/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ============================================================================
// Test Setup
// ============================================================================

func newRouter(q Queue, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestID())
	router.GET("/dy-queue", GetQueue(q, logger))
	router.POST("/dy-queue", InsertQueue(q, logger))
	router.DELETE("/dy-queue", DropQueue(q, logger))
	return router
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.New(engine.Config{
		Log:       memory.NewLogStore(),
		Snapshots: memory.NewSnapshotStore(),
		Pointer:   memory.NewPointer(),
		Logger:    slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	return eng
}

func do(router *gin.Engine, method, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/dy-queue", nil)
	} else {
		req = httptest.NewRequest(method, "/dy-queue", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.RequestIDHeader, "req-7")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) datatypes.Snapshot {
	t.Helper()
	var snap datatypes.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap), w.Body.String())
	return snap
}

// failingQueue fails every call with err.
type failingQueue struct{ err error }

func (f failingQueue) Submit(context.Context, string, datatypes.Method) (datatypes.Result, error) {
	return datatypes.Result{}, f.err
}

func (f failingQueue) Get(context.Context) (datatypes.Snapshot, error) {
	return datatypes.Snapshot{}, f.err
}

// ============================================================================
// Happy Path
// ============================================================================

func TestQueue_EmptyGet(t *testing.T) {
	router := newRouter(newEngine(t), nil)

	w := do(router, http.MethodGet, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[]}`, w.Body.String())
}

func TestQueue_InsertDropInsert(t *testing.T) {
	router := newRouter(newEngine(t), nil)

	for _, p := range []string{"A", "B"} {
		w := do(router, http.MethodPost, fmt.Sprintf(`{"data":%q}`, p))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.JSONEq(t, `{"status":"ok","message":""}`, w.Body.String())
	}
	snap := decodeSnapshot(t, do(router, http.MethodGet, ""))
	assert.Equal(t, []string{"A", "B"}, snap.Data)
	assert.NotEmpty(t, snap.LastAppliedID)

	w := do(router, http.MethodDelete, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decodeSnapshot(t, do(router, http.MethodGet, "")).Data)

	require.Equal(t, http.StatusOK, do(router, http.MethodPost, `{"data":"C"}`).Code)
	assert.Equal(t, []string{"C"}, decodeSnapshot(t, do(router, http.MethodGet, "")).Data)
}

func TestQueue_EmptyStringPayloadAllowed(t *testing.T) {
	router := newRouter(newEngine(t), nil)

	w := do(router, http.MethodPost, `{"data":""}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{""}, decodeSnapshot(t, do(router, http.MethodGet, "")).Data)
}

// ============================================================================
// Errors
// ============================================================================

func TestQueue_InvalidBody(t *testing.T) {
	router := newRouter(newEngine(t), nil)

	for _, body := range []string{`{}`, `{"data":`, `{"data":42}`, `not json`} {
		t.Run(body, func(t *testing.T) {
			w := do(router, http.MethodPost, body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.JSONEq(t, `{"status":"error","message":"invalid request body"}`, w.Body.String())
		})
	}
}

func TestQueue_StoreFailureIsGeneric500(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	cause := fmt.Errorf("%w: append: throttled", datatypes.ErrWrite)
	router := newRouter(failingQueue{err: cause}, logger)

	w := do(router, http.MethodPost, `{"data":"payload-123"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"status":"error","message":"internal error"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "throttled")

	out := logs.String()
	assert.Contains(t, out, `"payload":"payload-123"`)
	assert.Contains(t, out, `"request_id":"req-7"`)
	assert.Contains(t, out, "throttled")

	w = do(router, http.MethodGet, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = do(router, http.MethodDelete, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestQueue_EngineErrorsSurfaceAs500(t *testing.T) {
	snaps := memory.NewSnapshotStore()
	snaps.FailLoads(errors.New("disk gone"))
	eng, err := engine.New(engine.Config{
		Log:       memory.NewLogStore(),
		Snapshots: snaps,
		Pointer:   memory.NewPointer(),
		Logger:    slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	router := newRouter(eng, slog.New(slog.DiscardHandler))

	assert.Equal(t, http.StatusInternalServerError, do(router, http.MethodGet, "").Code)
	assert.Equal(t, http.StatusInternalServerError, do(router, http.MethodPost, `{"data":"x"}`).Code)
}

func TestHealth(t *testing.T) {
	router := gin.New()
	router.GET("/health", Health)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

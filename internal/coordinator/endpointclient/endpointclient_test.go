// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package endpointclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{UserAgent: "coordinator-test/1.0"})
	require.NoError(t, err)
	return c
}

func TestCall_SuccessResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("trigger-version", "v2")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"SUCCESS","output":{"ok":true}}`))
	}))
	defer srv.Close()

	c := newTestClient(t)
	resp, err := c.Call(context.Background(), srv.URL, "secret", map[string]any{"hello": "world"})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, resp.Timeout)
	require.Equal(t, "v2", resp.Headers.Get("trigger-version"))
}

func TestCall_408IsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestTimeout)
	}))
	defer srv.Close()

	c := newTestClient(t)
	resp, err := c.Call(context.Background(), srv.URL, "", nil)
	require.NoError(t, err)
	require.True(t, resp.Timeout)
}

func TestCall_GatewayTimeoutIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	c := newTestClient(t)
	resp, err := c.Call(context.Background(), srv.URL, "", nil)
	require.NoError(t, err)
	require.True(t, resp.Timeout)
}

func TestCall_NoServerIsTransportError(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Call(context.Background(), "http://127.0.0.1:1", "", nil)
	require.Error(t, err)
}

func TestCall_ContextDeadlineIsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 1)
	defer cancel()

	resp, err := c.Call(ctx, srv.URL, "", nil)
	require.NoError(t, err)
	require.True(t, resp.Timeout)
}

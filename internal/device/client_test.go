package device

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapsend/snapsend/internal/logger"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(strings.TrimPrefix(ts.URL, "http://"), logger.NewTestLogger()), ts
}

func TestConnectReturnsToken(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/connect", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "old-token", r.FormValue("token"))
		assert.NotEmpty(t, r.FormValue("_"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"token":"fresh-token"}`)
	}))

	token, err := c.Connect(context.Background(), "old-token")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
}

func TestConnectExpiredToken(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.Connect(context.Background(), "stale")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestConnectRefused(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(ts.URL, "http://")
	ts.Close()

	c := NewClient(addr, logger.NewTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Connect(ctx, "")
	assert.Error(t, err)
}

func TestStatusStates(t *testing.T) {
	tests := []struct {
		name       string
		code       int
		body       string
		wantAuth   AuthState
		wantStatus string
	}{
		{"authorized with body", http.StatusOK, `{"status":"IDLE"}`, AuthAuthorized, "IDLE"},
		{"authorized empty body", http.StatusOK, "", AuthAuthorized, ""},
		{"pending", http.StatusNoContent, "", AuthPending, ""},
		{"denied", http.StatusUnauthorized, "", AuthDenied, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/api/v1/status", r.URL.Path)
				assert.Equal(t, "tok", r.URL.Query().Get("token"))
				w.WriteHeader(tt.code)
				if tt.body != "" {
					io.WriteString(w, tt.body)
				}
			}))

			reply, err := c.Status(context.Background(), "tok")
			require.NoError(t, err)
			assert.Equal(t, tt.wantAuth, reply.Auth)
			assert.Equal(t, tt.wantStatus, reply.Status)
		})
	}
}

func TestUploadStreamsFileWithProgress(t *testing.T) {
	payload := []byte(strings.Repeat("G1 X10 Y10\n", 20000)) // a few hundred KB

	var gotFile []byte
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(8<<20))
		assert.Equal(t, "tok", r.FormValue("token"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "benchy_PLA_1h0m0s.gcode", hdr.Filename)
		gotFile, err = io.ReadAll(f)
		require.NoError(t, err)
	}))

	var calls []int64
	err := c.Upload(context.Background(), "tok", "benchy_PLA_1h0m0s.gcode", payload, func(sent, total int64) {
		require.Equal(t, int64(len(payload)), total)
		calls = append(calls, sent)
	})
	require.NoError(t, err)
	assert.Equal(t, payload, gotFile)

	require.NotEmpty(t, calls)
	for i := 1; i < len(calls); i++ {
		assert.GreaterOrEqual(t, calls[i], calls[i-1], "progress must never regress")
	}
	assert.Equal(t, int64(len(payload)), calls[len(calls)-1])
}

func TestUploadDenied(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := c.Upload(context.Background(), "tok", "f.gcode", []byte("G28\n"), nil)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestUploadConnectionDrop(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Read a little, then kill the connection mid-stream.
		io.CopyN(io.Discard, r.Body, 1024)
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))

	payload := []byte(strings.Repeat("G1 X10 Y10\n", 100000))
	err := c.Upload(context.Background(), "tok", "f.gcode", payload, nil)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDenied)
}

func TestUploadCancelled(t *testing.T) {
	started := make(chan struct{})
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.CopyN(io.Discard, r.Body, 1024)
		close(started)
		// Hold the request open; only the client abort ends it.
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	payload := []byte(strings.Repeat("G1 X10 Y10\n", 500000))
	err := c.Upload(ctx, "tok", "f.gcode", payload, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDisconnect(t *testing.T) {
	var called bool
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/disconnect", r.URL.Path)
		called = true
	}))

	require.NoError(t, c.Disconnect(context.Background(), "tok"))
	assert.True(t, called)
}

func TestWriteChunksEmptyPayload(t *testing.T) {
	var calls int
	err := writeChunks(context.Background(), io.Discard, nil, func(sent, total int64) {
		calls++
		assert.Zero(t, sent)
		assert.Zero(t, total)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

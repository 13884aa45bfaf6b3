package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upper(payload []byte) ([]byte, error) {
	return bytes.ToUpper(payload), nil
}

func TestHTTPRoundTrip(t *testing.T) {
	srv := httptest.NewServer(NewHTTPRouter(upper))
	defer srv.Close()

	rt := HTTPRoundTripper(srv.URL, srv.Client())
	out, err := rt(context.Background(), []byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"TYPE":"PING"}`, string(out))
}

func TestHTTPRejectsInvalidBody(t *testing.T) {
	srv := httptest.NewServer(NewHTTPRouter(upper))
	defer srv.Close()

	_, err := HTTPRoundTripper(srv.URL, nil)(context.Background(), []byte(`{nope`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 400")
}

func TestHTTPRejectsOversizedBody(t *testing.T) {
	var called bool
	router := NewHTTPRouter(func(p []byte) ([]byte, error) {
		called = true
		return p, nil
	})
	body := `"` + strings.Repeat("a", MaxMessageSize) + `"`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.False(t, called)
}

func TestHTTPServeError(t *testing.T) {
	failing := func([]byte) ([]byte, error) { return nil, errors.New("boom") }
	srv := httptest.NewServer(NewHTTPRouter(failing))
	defer srv.Close()

	_, err := HTTPRoundTripper(srv.URL, nil)(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(NewHTTPRouter(upper))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func socketPath(t *testing.T) string {
	t.Helper()
	// Unix socket paths are short; t.TempDir can exceed the limit.
	dir, err := os.MkdirTemp("", "kvs")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func TestUnixRoundTrip(t *testing.T) {
	path := socketPath(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeUnix(ctx, path, func(c net.Conn) { _ = ServeConn(c, upper) })
	}()

	rt := UnixRoundTripper(path, time.Second)
	require.Eventually(t, func() bool {
		out, err := rt(context.Background(), []byte("abc"))
		return err == nil && string(out) == "ABC"
	}, 2*time.Second, 10*time.Millisecond)

	// Several frames on one connection.
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	for _, msg := range []string{"one", "two"} {
		require.NoError(t, WriteMessage(conn, []byte(msg)))
		out, err := ReadMessage(conn)
		require.NoError(t, err)
		assert.Equal(t, strings.ToUpper(msg), string(out))
	}
	require.NoError(t, conn.Close())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}
}

func TestFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, []byte("hello")))
	assert.Equal(t, 9, buf.Len())

	out, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	_, err = ReadMessage(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameLimit(t *testing.T) {
	hdr := make([]byte, 4)
	binary.BigEndian.PutUint32(hdr, MaxMessageSize+1)
	_, err := ReadMessage(bytes.NewReader(hdr))
	assert.ErrorContains(t, err, "exceeds limit")
}
